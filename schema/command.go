package schema

import "strings"

// Command is one external command invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// String renders the command line the way it is announced to observers.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}
