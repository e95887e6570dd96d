package graph

import (
	"reflect"
	"strings"
)

// CycleError reports the set of nodes that could not be ordered
// because they participate in (or depend on) a dependency cycle.
type CycleError struct {
	Blocked []reflect.Type
}

func (e *CycleError) Error() string {
	var b strings.Builder
	b.WriteString("cyclic dependency detected among: ")
	for i, t := range e.Blocked {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteString("\n\nTo resolve this:\n")
	b.WriteString("  • Introduce a mediator bean instead of mutual references\n")
	b.WriteString("  • Use the event bus for mutual notification\n")
	b.WriteString("  • Restructure to remove the circular relationship\n")
	return b.String()
}
