package collections

import (
	"context"
	"fmt"
	"strings"

	"beaverdb/internal/errs"
)

// DetectCycle reports whether the edge subgraph restricted to labels
// contains a cycle, via depth-first search with a recursion-stack check,
// adapted from action-dependency edges to this collection's edge table.
func (c *Collection) DetectCycle(ctx context.Context, labels []string) error {
	adjacency, err := c.loadAdjacency(ctx, labels)
	if err != nil {
		return err
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(node string) error
	visit = func(node string) error {
		visited[node] = true
		onStack[node] = true
		for _, next := range adjacency[node] {
			if !visited[next] {
				if err := visit(next); err != nil {
					return err
				}
			} else if onStack[next] {
				return fmt.Errorf("beaverdb: cycle detected: %s -> %s", node, next)
			}
		}
		onStack[node] = false
		return nil
	}

	for node := range adjacency {
		if !visited[node] {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}

// TopoOrder returns every node touched by an edge with a label in labels,
// ordered so that every edge points from an earlier node to a later one,
// via Kahn's algorithm, adapted from action dependencies to this
// collection's edge table. Fails with errs.ErrUnsupported if the subgraph
// contains a cycle (no total order exists).
func (c *Collection) TopoOrder(ctx context.Context, labels []string) ([]string, error) {
	adjacency, err := c.loadAdjacency(ctx, labels)
	if err != nil {
		return nil, err
	}

	inDegree := make(map[string]int)
	for node := range adjacency {
		if _, ok := inDegree[node]; !ok {
			inDegree[node] = 0
		}
		for _, next := range adjacency[node] {
			inDegree[next]++
		}
	}

	var queue []string
	for node, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range adjacency[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(inDegree) {
		return nil, errs.ErrUnsupported
	}
	return order, nil
}

func (c *Collection) loadAdjacency(ctx context.Context, labels []string) (map[string][]string, error) {
	conn, err := c.DB.SQL()
	if err != nil {
		return nil, err
	}
	query := `SELECT source_item_id, target_item_id FROM beaver_edges WHERE collection = ?`
	args := []any{c.Name}
	if len(labels) > 0 {
		placeholders := make([]string, len(labels))
		for i, l := range labels {
			placeholders[i] = "?"
			args = append(args, l)
		}
		query += fmt.Sprintf(" AND label IN (%s)", strings.Join(placeholders, ","))
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("collection load adjacency", err)
	}
	defer rows.Close()

	adjacency := make(map[string][]string)
	for rows.Next() {
		var src, tgt string
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, errs.Storage("collection load adjacency scan", err)
		}
		adjacency[src] = append(adjacency[src], tgt)
		if _, ok := adjacency[tgt]; !ok {
			adjacency[tgt] = nil
		}
	}
	return adjacency, rows.Err()
}
