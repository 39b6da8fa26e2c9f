package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pkt.systems/mgdocker/internal/docker"
	"pkt.systems/mgdocker/schema"
)

func newPsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List compose managed containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, "")
			if err != nil {
				return err
			}
			containers, err := docker.NewCLI(cfg.Docker.Binary).ListContainers(cmd.Context())
			if err != nil {
				return err
			}
			return writeContainers(cmd.OutOrStdout(), containers)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func newImagesCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List local images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath, "")
			if err != nil {
				return err
			}
			images, err := docker.NewCLI(cfg.Docker.Binary).ListImages(cmd.Context())
			if err != nil {
				return err
			}
			return writeImages(cmd.OutOrStdout(), images)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func writeContainers(out io.Writer, containers []schema.Container) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMES\tIMAGE\tSTATE\tSTATUS")
	for _, c := range containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Names, c.Image, c.State, c.Status)
	}
	return w.Flush()
}

func writeImages(out io.Writer, images []schema.Image) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tTAG\tCREATED\tSIZE")
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", img.Repository, img.Tag, img.CreatedSince, img.Size)
	}
	return w.Flush()
}
