package dedup

// UnionFind is a disjoint-set forest over dense integer ids with path
// compression and union by size.
type UnionFind struct {
	parent []int
	size   []int
}

// NewUnionFind creates n singleton sets
func NewUnionFind(n int) *UnionFind {
	uf := &UnionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

// Find returns the root of x
func (u *UnionFind) Find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// Union merges the sets of a and b. It reports false when they were already joined.
func (u *UnionFind) Union(a, b int) bool {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return false
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
	return true
}

// Size returns the size of the set containing x
func (u *UnionFind) Size(x int) int {
	return u.size[u.Find(x)]
}

// Sets returns the members of every set, each ordered by id, ordered by
// their smallest member.
func (u *UnionFind) Sets() [][]int {
	index := make(map[int]int)
	var sets [][]int
	for i := range u.parent {
		r := u.Find(i)
		pos, ok := index[r]
		if !ok {
			pos = len(sets)
			index[r] = pos
			sets = append(sets, nil)
		}
		sets[pos] = append(sets[pos], i)
	}
	return sets
}
