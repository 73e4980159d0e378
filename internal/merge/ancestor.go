package merge

import "fmt"

// ParentsFunc resolves a commit's direct parents (empty for a root commit).
type ParentsFunc func(commitID string) ([]string, error)

// FindCommonAncestor runs a bidirectional BFS from a and b over the parent
// graph until the frontiers intersect, returning the first shared commit
// found. maxDepth bounds the search per spec.md's open question on merge
// base resolution in long-lived repositories.
func FindCommonAncestor(getParents ParentsFunc, a, b string, maxDepth int) (string, error) {
	if a == b {
		return a, nil
	}

	visitedA := map[string]bool{a: true}
	visitedB := map[string]bool{b: true}
	frontierA := []string{a}
	frontierB := []string{b}

	for depth := 0; depth < maxDepth; depth++ {
		if len(frontierA) == 0 && len(frontierB) == 0 {
			break
		}

		next, found, err := step(getParents, frontierA, visitedA, visitedB)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
		frontierA = next

		next, found, err = step(getParents, frontierB, visitedB, visitedA)
		if err != nil {
			return "", err
		}
		if found != "" {
			return found, nil
		}
		frontierB = next
	}

	return "", fmt.Errorf("no common ancestor found within %d steps", maxDepth)
}

func step(getParents ParentsFunc, frontier []string, visitedOwn, visitedOther map[string]bool) ([]string, string, error) {
	var next []string
	for _, commit := range frontier {
		parents, err := getParents(commit)
		if err != nil {
			return nil, "", err
		}
		for _, p := range parents {
			if visitedOther[p] {
				return nil, p, nil
			}
			if visitedOwn[p] {
				continue
			}
			visitedOwn[p] = true
			next = append(next, p)
		}
	}
	return next, "", nil
}
