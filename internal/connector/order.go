package connector

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicDependency is returned when source dependencies form a cycle.
var ErrCyclicDependency = errors.New("cyclic source dependency")

// OrderSources returns sources so that every source comes after the sources it
// depends on. Among sources that are ready at the same time, the ones listed in
// executionOrder come first, in that order, then the rest in declaration order.
// Dependencies on keys that are not part of sources (pre-sources, tables of
// other jobs) are already satisfied.
func OrderSources(sources []Source, executionOrder []string, dependencies map[string][]string) ([]Source, error) {
	rank := make(map[string]int, len(sources))
	for i, key := range executionOrder {
		if _, seen := rank[key]; !seen {
			rank[key] = i
		}
	}
	byKey := make(map[string]int, len(sources))
	for i, s := range sources {
		byKey[s.Key()] = i
		if _, ok := rank[s.Key()]; !ok {
			rank[s.Key()] = len(executionOrder) + i
		}
	}

	indegree := make([]int, len(sources))
	dependents := make([][]int, len(sources))
	for i, s := range sources {
		seen := make(map[string]bool)
		for _, dep := range dependencies[s.Key()] {
			j, ok := byKey[dep]
			if !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			if j == i {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCyclicDependency, s.Key())
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := &rankQueue{rank: func(i int) int { return rank[sources[i].Key()] }}
	for i := range sources {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	ordered := make([]Source, 0, len(sources))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		ordered = append(ordered, sources[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}

	if len(ordered) != len(sources) {
		var stuck []string
		for i, n := range indegree {
			if n > 0 {
				stuck = append(stuck, sources[i].Key())
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(stuck, ", "))
	}
	return ordered, nil
}

// rankQueue is a min-heap of source indexes ordered by rank.
type rankQueue struct {
	items []int
	rank  func(int) int
}

func (q *rankQueue) Len() int           { return len(q.items) }
func (q *rankQueue) Less(i, j int) bool { return q.rank(q.items[i]) < q.rank(q.items[j]) }
func (q *rankQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *rankQueue) Push(x interface{}) { q.items = append(q.items, x.(int)) }

func (q *rankQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}
