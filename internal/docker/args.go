package docker

import (
	"strings"

	"pkt.systems/mgdocker/schema"
)

// DefaultBinary is the docker executable looked up on PATH.
const DefaultBinary = "docker"

// jsonFormat is passed verbatim, quotes included; rows come back wrapped in
// single quotes and are trimmed by the parsers.
const jsonFormat = "'{{json .}}'"

// containerListArgs returns the arguments of docker ps for listing.
func containerListArgs() []string {
	return []string{"ps", "--all", "--no-trunc", "--format", jsonFormat}
}

// imageListArgs returns the arguments of docker images for listing.
func imageListArgs() []string {
	return []string{"images", "--all", "--no-trunc", "--format", jsonFormat}
}

// inspectLabelArgs returns the arguments of docker inspect that print the
// compose config_files label of name.
func inspectLabelArgs(name string) []string {
	return []string{
		"inspect", name,
		"--format", "'{{ index .Config.Labels \"" + schema.ComposeConfigFilesLabel + "\" }}'",
	}
}

// ComposePull returns docker compose pull in dir.
func ComposePull(binary, dir string) schema.Command {
	return schema.Command{Name: binaryOrDefault(binary), Args: []string{"compose", "pull"}, Dir: dir}
}

// ComposeDown returns docker compose down in dir.
func ComposeDown(binary, dir string) schema.Command {
	return schema.Command{Name: binaryOrDefault(binary), Args: []string{"compose", "down"}, Dir: dir}
}

// ComposeUp returns docker compose up -d in dir.
func ComposeUp(binary, dir string) schema.Command {
	return schema.Command{Name: binaryOrDefault(binary), Args: []string{"compose", "up", "-d"}, Dir: dir}
}

// ImagePrune returns docker image prune --all --force.
func ImagePrune(binary string) schema.Command {
	return schema.Command{Name: binaryOrDefault(binary), Args: []string{"image", "prune", "--all", "--force"}}
}

// Describe renders cmd as announced to observers. The configured binary path
// is replaced by the plain docker name.
func Describe(cmd schema.Command) string {
	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, DefaultBinary)
	parts = append(parts, cmd.Args...)
	return strings.Join(parts, " ")
}

func binaryOrDefault(binary string) string {
	if strings.TrimSpace(binary) == "" {
		return DefaultBinary
	}
	return binary
}
