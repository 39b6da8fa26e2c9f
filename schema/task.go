package schema

import "fmt"

// TaskID names one of the fixed task recipes.
type TaskID int

const (
	// TaskPull runs docker compose pull for a resource.
	TaskPull TaskID = iota + 1
	// TaskUpdate runs docker compose down followed by docker compose up -d.
	TaskUpdate
	// TaskGetConfig publishes the compose file of a resource.
	TaskGetConfig
	// TaskPruneImages removes unused images on the host.
	TaskPruneImages
)

// PruneImagesKey is the event key used by the global image prune task.
const PruneImagesKey = "prune_images"

var taskNames = map[TaskID]string{
	TaskPull:        "pull",
	TaskUpdate:      "update",
	TaskGetConfig:   "get_config",
	TaskPruneImages: "prune_images",
}

// Tasks returns every known task in declaration order.
func Tasks() []TaskID {
	return []TaskID{TaskPull, TaskUpdate, TaskGetConfig, TaskPruneImages}
}

// ParseTask maps a task identifier to its TaskID using exact matching.
func ParseTask(value string) (TaskID, error) {
	switch value {
	case "pull":
		return TaskPull, nil
	case "update":
		return TaskUpdate, nil
	case "get_config":
		return TaskGetConfig, nil
	case "prune_images":
		return TaskPruneImages, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTask, value)
	}
}

// Valid reports whether t is one of the known tasks.
func (t TaskID) Valid() bool {
	_, ok := taskNames[t]
	return ok
}

func (t TaskID) String() string {
	if name, ok := taskNames[t]; ok {
		return name
	}
	return fmt.Sprintf("task(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t TaskID) MarshalText() ([]byte, error) {
	name, ok := taskNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TaskID) UnmarshalText(data []byte) error {
	parsed, err := ParseTask(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Scoped reports whether the task operates on a named resource.
func (t TaskID) Scoped() bool {
	return t != TaskPruneImages
}

// Key returns the event key a run of t publishes under.
func (t TaskID) Key(resource string) string {
	if !t.Scoped() {
		return PruneImagesKey
	}
	return resource
}
