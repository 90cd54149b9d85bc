package curriculum

import "fmt"

// ValidationReport は依存関係検証の結果
type ValidationReport struct {
	Proposed int          // 入力されたエッジ数
	Filtered []Dependency // 未知のタイトルを参照していたため除外したエッジ
	Removed  []Dependency // 循環を閉じていたため除去したエッジ
}

// Validate は候補エッジをフィルタし、循環を除去した結果を返す
// 返却されるエッジ集合は常に非循環で、すべて titles に含まれるコースを参照する
func Validate(titles []string, candidates []Dependency) ([]Dependency, ValidationReport) {
	report := ValidationReport{Proposed: len(candidates)}

	filtered, dropped := FilterEdges(titles, candidates)
	report.Filtered = dropped

	kept, removed := EliminateCycles(titles, filtered)
	report.Removed = removed

	return kept, report
}

// FilterEdges は両端が titles に含まれるエッジだけを残す
func FilterEdges(titles []string, candidates []Dependency) (kept, dropped []Dependency) {
	known := make(map[string]bool, len(titles))
	for _, t := range titles {
		known[t] = true
	}

	kept = make([]Dependency, 0, len(candidates))
	for _, e := range candidates {
		if known[e.Prerequisite] && known[e.Dependent] {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}
	return kept, dropped
}

// EliminateCycles は深さ優先探索で循環を閉じるエッジを除去する
// 各ルートからの探索で最初に見つかった閉路エッジ（提案順）だけを除去し、そのルートの探索を打ち切る。
// 最小のフィードバック辺集合ではなく、この決定的な規則を維持すること。
// 打ち切りで取りこぼした循環は、除去対象が無くなるまで走査を繰り返して処理する
func EliminateCycles(titles []string, edges []Dependency) (kept, removed []Dependency) {
	kept = edges
	for {
		var r []Dependency
		kept, r = eliminateCyclesOnce(titles, kept)
		if len(r) == 0 {
			return kept, removed
		}
		removed = append(removed, r...)
	}
}

// eliminateCyclesOnce は1回分の走査を行う
func eliminateCyclesOnce(titles []string, edges []Dependency) (kept, removed []Dependency) {
	// 隣接リストは提案順を保持する（値はエッジのインデックス）
	adjacency := make(map[string][]int)
	for i, e := range edges {
		adjacency[e.Prerequisite] = append(adjacency[e.Prerequisite], i)
	}

	visited := make(map[string]bool)
	flagged := make(map[int]bool)

	var dfs func(node string, onStack map[string]bool) bool
	dfs = func(node string, onStack map[string]bool) bool {
		visited[node] = true
		onStack[node] = true

		for _, idx := range adjacency[node] {
			next := edges[idx].Dependent
			if onStack[next] {
				flagged[idx] = true
				return true
			}
			if !visited[next] {
				if dfs(next, onStack) {
					return true
				}
			}
		}

		delete(onStack, node)
		return false
	}

	for _, root := range nodeOrder(titles, edges) {
		if visited[root] {
			continue
		}
		dfs(root, make(map[string]bool))
	}

	kept = make([]Dependency, 0, len(edges))
	for i, e := range edges {
		if flagged[i] {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	return kept, removed
}

// nodeOrder はコース順にノードを並べ、titles に無いエッジ端点は出現順で末尾に追加する
func nodeOrder(titles []string, edges []Dependency) []string {
	seen := make(map[string]bool, len(titles))
	order := make([]string, 0, len(titles))
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			order = append(order, t)
		}
	}
	for _, t := range titles {
		add(t)
	}
	for _, e := range edges {
		add(e.Prerequisite)
		add(e.Dependent)
	}
	return order
}

// TopologicalOrder は Kahn のアルゴリズムでトポロジカル順を返す
// 循環がある場合はエラーを返す
func TopologicalOrder(titles []string, edges []Dependency) ([]string, error) {
	nodes := nodeOrder(titles, edges)
	inDegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string)
	for _, e := range edges {
		adjacency[e.Prerequisite] = append(adjacency[e.Prerequisite], e.Dependent)
		inDegree[e.Dependent]++
	}

	queue := make([]string, 0)
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	result := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)
		for _, next := range adjacency[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(result) != len(nodes) {
		return nil, fmt.Errorf("cycle detected: cannot perform topological sort")
	}
	return result, nil
}
