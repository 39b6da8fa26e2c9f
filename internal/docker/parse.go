package docker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"pkt.systems/mgdocker/schema"
)

// ParseContainers decodes docker ps rows. Empty and malformed rows are skipped.
func ParseContainers(data []byte) []schema.Container {
	var out []schema.Container
	eachRow(data, func(row []byte) {
		var c schema.Container
		if err := json.Unmarshal(row, &c); err != nil {
			return
		}
		out = append(out, c)
	})
	return out
}

// ParseImages decodes docker images rows. Empty and malformed rows are skipped.
func ParseImages(data []byte) []schema.Image {
	var out []schema.Image
	eachRow(data, func(row []byte) {
		var img schema.Image
		if err := json.Unmarshal(row, &img); err != nil {
			return
		}
		out = append(out, img)
	})
	return out
}

// HasComposeLabel reports whether the container carries the compose
// config_files label.
func HasComposeLabel(c schema.Container) bool {
	for _, label := range strings.Split(c.Labels, ",") {
		key, _, _ := strings.Cut(strings.TrimSpace(label), "=")
		if key == schema.ComposeConfigFilesLabel {
			return true
		}
	}
	return false
}

// ComposeContainers keeps compose-managed containers, sorted by name.
func ComposeContainers(containers []schema.Container) []schema.Container {
	out := make([]schema.Container, 0, len(containers))
	for _, c := range containers {
		if HasComposeLabel(c) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Names < out[j].Names })
	return out
}

// SortImages orders images by repository.
func SortImages(images []schema.Image) []schema.Image {
	sort.SliceStable(images, func(i, j int) bool { return images[i].Repository < images[j].Repository })
	return images
}

func eachRow(data []byte, fn func([]byte)) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		row := bytes.TrimSpace(scanner.Bytes())
		row = bytes.Trim(row, "'")
		if len(row) == 0 {
			continue
		}
		fn(row)
	}
}

// cleanLabelOutput strips quotes and whitespace from docker inspect output.
func cleanLabelOutput(out []byte) string {
	value := strings.TrimSpace(strings.ReplaceAll(string(out), "'", ""))
	if value == "<no value>" {
		return ""
	}
	return value
}
