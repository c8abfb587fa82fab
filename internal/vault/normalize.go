package vault

// normalize runs on every unlock: missing favorites structures are
// filled with empty defaults, dangling favorites references are
// dropped, and duplicates are removed, so favorites always point at
// live projects and secrets. Legacy string-form secrets are left
// untouched in memory; they are only upgraded lazily, by a subsequent
// mutation.
func normalize(doc *document) {
	if doc.Projects == nil {
		doc.Projects = map[string]*project{}
	}
	if doc.Favorites.Secrets == nil {
		doc.Favorites.Secrets = map[string][]string{}
	}
	if doc.Favorites.Projects == nil {
		doc.Favorites.Projects = []string{}
	}

	doc.Favorites.Projects = dedupExisting(doc.Favorites.Projects, func(name string) bool {
		_, ok := doc.Projects[name]
		return ok
	})

	cleanSecrets := make(map[string][]string, len(doc.Favorites.Secrets))
	for projectName, keys := range doc.Favorites.Secrets {
		p, ok := doc.Projects[projectName]
		if !ok {
			continue
		}
		kept := dedupExisting(keys, func(key string) bool {
			_, ok := p.Secrets[key]
			return ok
		})
		if len(kept) > 0 {
			cleanSecrets[projectName] = kept
		}
	}
	doc.Favorites.Secrets = cleanSecrets

	for _, p := range doc.Projects {
		if p.Secrets == nil {
			p.Secrets = map[string]*secret{}
		}
	}
}

func dedupExisting(list []string, exists func(string) bool) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if seen[v] || !exists(v) {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
