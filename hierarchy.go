package permit

// Hierarchy answers whether a held permission set satisfies a requested
// permission using the static relation graph. Traversal is a single hop:
// inherits and implies edges are not transitively closed, so a grant two
// levels away is not derived.
type Hierarchy struct {
	source HierarchySource
}

// NewHierarchy wraps a hierarchy source. A nil source degrades every lookup
// to direct string equality.
func NewHierarchy(source HierarchySource) *Hierarchy {
	return &Hierarchy{source: source}
}

// Satisfies reports whether held covers requested, and which held permission
// produced the match. Permissions with no hierarchy node behave as flat
// identifiers.
func (h *Hierarchy) Satisfies(requested string, held []string) (bool, string) {
	// An excludes edge on any held node vetoes the permission outright.
	if h.source != nil {
		for _, hp := range held {
			node, ok := h.source.Node(hp)
			if !ok {
				continue
			}
			for _, ex := range node.Excludes {
				if ex == requested {
					return false, ""
				}
			}
		}
	}

	for _, hp := range held {
		if hp == requested {
			return true, hp
		}
	}
	if h.source == nil {
		return false, ""
	}

	// Holders of anything the requested permission inherits from qualify.
	if node, ok := h.source.Node(requested); ok {
		for _, parent := range node.Inherits {
			for _, hp := range held {
				if hp == parent {
					return true, hp
				}
			}
		}
	}

	// A held permission that implies the requested one qualifies.
	for _, hp := range held {
		node, ok := h.source.Node(hp)
		if !ok {
			continue
		}
		for _, imp := range node.Implies {
			if imp == requested {
				return true, hp
			}
		}
	}

	return false, ""
}
