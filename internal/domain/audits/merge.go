package audits

// MergeInput is what the incremental merge needs from one audit run.
type MergeInput struct {
	// Fresh findings produced by this run's analysis.
	Fresh []Finding
	// Inherited findings of the base audit.
	Inherited []Finding
	// Diffs per repository name between the base audit's commit and head.
	// A repository without an entry is treated as unchanged.
	Diffs map[string]DiffResult
	// BaseAuditID is stamped on carried-over findings.
	BaseAuditID AuditID
}

// MergeIncremental combines fresh and inherited findings:
//   - inherited findings on deleted files are carried with status fixed
//   - inherited findings on renamed files follow the rename
//   - every other inherited finding is carried unless a fresh finding shares
//     its fingerprint, in which case the fresh one wins
//
// The result never contains two findings with the same fingerprint. Fresh
// findings come first, in their original order.
func MergeIncremental(in MergeInput) []Finding {
	out := DedupeByFingerprint(in.Fresh)
	seen := make(map[string]struct{}, len(out)+len(in.Inherited))
	for _, f := range out {
		seen[f.Fingerprint] = struct{}{}
	}

	deleted := make(map[string]map[string]struct{}, len(in.Diffs))
	renamed := make(map[string]map[string]string, len(in.Diffs))
	for repo, d := range in.Diffs {
		deleted[repo] = toSet(d.Deleted)
		m := make(map[string]string, len(d.Renamed))
		for _, r := range d.Renamed {
			m[r.From] = r.To
		}
		renamed[repo] = m
	}

	for _, f := range in.Inherited {
		carried := f
		carried.ID = ""
		carried.InheritedFrom = in.BaseAuditID

		if _, gone := deleted[f.RepoName][f.FilePath]; gone {
			carried.Status = FindingFixed
		} else if to, ok := renamed[f.RepoName][f.FilePath]; ok {
			carried.FilePath = to
			carried.Fingerprint = Fingerprint(carried)
		}
		if carried.Fingerprint == "" {
			carried.Fingerprint = Fingerprint(carried)
		}
		if _, dup := seen[carried.Fingerprint]; dup {
			continue
		}
		seen[carried.Fingerprint] = struct{}{}
		out = append(out, carried)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}
