package manifest

// Plan partitions a remote manifest against the local one
type Plan struct {
	// Changed entries are missing locally or have a different hash.
	Changed []Entry
	// Unchanged entries have the same hash on both sides.
	Unchanged []Entry
	// Removed lists local paths the remote no longer carries.
	Removed []string
}

// Empty reports whether nothing needs to be downloaded or removed
func (p *Plan) Empty() bool {
	return len(p.Changed) == 0 && len(p.Removed) == 0
}

// ChangedPaths returns the paths of the changed entries
func (p *Plan) ChangedPaths() []string {
	out := make([]string, len(p.Changed))
	for i, e := range p.Changed {
		out[i] = e.Path
	}
	return out
}

// Diff computes the plan for bringing local up to remote. local may be nil
// when nothing is installed yet. Hashes are compared as exact strings.
func Diff(local, remote *Manifest) *Plan {
	plan := &Plan{
		Changed:   make([]Entry, 0),
		Unchanged: make([]Entry, 0),
		Removed:   make([]string, 0),
	}

	for _, e := range remote.entries {
		if local != nil {
			if h, ok := local.Lookup(e.Path); ok && h == e.Hash {
				plan.Unchanged = append(plan.Unchanged, e)
				continue
			}
		}
		plan.Changed = append(plan.Changed, e)
	}

	if local != nil {
		for _, e := range local.entries {
			if _, ok := remote.Lookup(e.Path); !ok {
				plan.Removed = append(plan.Removed, e.Path)
			}
		}
	}

	return plan
}
