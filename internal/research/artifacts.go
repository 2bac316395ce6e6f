package research

import "strings"

// DatasetIndex maps upload ids and artifact ids to their concrete storage
// paths. The planner resolves every dataset reference through it before a
// task is dispatched.
type DatasetIndex map[string]string

// BuildDatasetIndex collects resolvable references from the uploads and
// from every artifact produced by the executed plan history.
func BuildDatasetIndex(state *ConversationState) DatasetIndex {
	index := DatasetIndex{}
	if state == nil {
		return index
	}
	for _, upload := range state.Uploads {
		if upload.ID != "" && upload.Path != "" {
			index[upload.ID] = upload.Path
		}
	}
	for _, task := range state.Plan {
		for _, artifact := range task.Artifacts {
			if artifact.ID != "" && artifact.Path != "" {
				index[artifact.ID] = artifact.Path
			}
		}
	}
	return index
}

// Resolve maps a dataset reference to a storage path. References that are
// not known ids pass through unchanged; they may already be paths.
func (i DatasetIndex) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if path, ok := i[ref]; ok {
		return path
	}
	return ref
}

func (i DatasetIndex) ResolveAll(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if resolved := i.Resolve(ref); resolved != "" {
			out = append(out, resolved)
		}
	}
	return out
}
