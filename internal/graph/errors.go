package graph

import (
	"fmt"
	"strings"
)

// DuplicateProducerError reports two live cells declaring the same produced
// name. The graph build fails; nothing executes.
type DuplicateProducerError struct {
	Name  string
	Cells []string
}

func (e *DuplicateProducerError) Error() string {
	return fmt.Sprintf("duplicate producer for %q: cells %s", e.Name, strings.Join(e.Cells, ", "))
}

// CyclicDependencyError reports a dependency cycle, naming every cell on a
// cycle. None of the named cells execute.
type CyclicDependencyError struct {
	Cells []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency involving cells %s", strings.Join(e.Cells, ", "))
}
