// Package importer loads edge fixtures from YAML and exports stored edges
// back to YAML or Graphviz DOT.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/matijazezelj/relgraph/pkg/models"
)

// File is the fixture document:
//
//	edges:
//	  follow:
//	    - from: 0b6f...
//	      to: 7c1e...
//	    - [0b6f..., 91aa...]
//	  block:
//	    - {from: 7c1e..., to: 0b6f...}
type File struct {
	Edges map[models.EdgeType][]Pair `yaml:"edges"`
}

// Pair is one directed edge of a fixture.
type Pair struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// UnmarshalYAML accepts both the {from, to} mapping and the [from, to]
// sequence form.
func (p *Pair) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var ids []string
		if err := node.Decode(&ids); err != nil {
			return err
		}
		if len(ids) != 2 {
			return fmt.Errorf("line %d: edge needs exactly 2 ids, got %d", node.Line, len(ids))
		}
		p.From, p.To = ids[0], ids[1]
		return nil
	case yaml.MappingNode:
		type plain Pair
		return node.Decode((*plain)(p))
	default:
		return fmt.Errorf("line %d: unsupported edge form", node.Line)
	}
}

// Creator creates one edge. *service.Service satisfies it, so imports obey
// the configured dual-write policy.
type Creator interface {
	CreateEdge(ctx context.Context, edgeType models.EdgeType, from, to string) error
}

// Result summarizes an import.
type Result struct {
	Total   int
	Created int
	Failed  int
}

// Parse decodes a fixture and validates its edge types.
func Parse(r io.Reader) (*File, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("parsing edge fixture: %w", err)
	}
	for t := range f.Edges {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown edge type %q (use: follow, mute, block)", t)
		}
	}
	return &f, nil
}

// LoadFile reads and parses a fixture from disk.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()
	return Parse(fh)
}

// Len is the number of edges in the fixture.
func (f *File) Len() int {
	n := 0
	for _, pairs := range f.Edges {
		n += len(pairs)
	}
	return n
}

// Import creates every edge of f. It keeps going after a failed edge and
// returns all failures together.
func Import(ctx context.Context, c Creator, f *File, logger *slog.Logger) (Result, error) {
	res := Result{Total: f.Len()}
	var errs *multierror.Error

	for _, t := range models.EdgeTypes {
		for i, p := range f.Edges[t] {
			if err := ctx.Err(); err != nil {
				return res, multierror.Append(errs, err).ErrorOrNil()
			}
			if err := c.CreateEdge(ctx, t, p.From, p.To); err != nil {
				res.Failed++
				errs = multierror.Append(errs, fmt.Errorf("%s #%d (%s -> %s): %w", t, i+1, p.From, p.To, err))
				continue
			}
			res.Created++
		}
	}

	logger.Info("import complete", "total", res.Total, "created", res.Created, "failed", res.Failed)
	return res, errs.ErrorOrNil()
}

// Scanner pages through stored edges in creation order.
type Scanner interface {
	ScanEdges(ctx context.Context, after *models.Edge, edgeType models.EdgeType, limit int) ([]models.Edge, error)
}

const exportBatch = 1000

// collect reads every edge of edgeType (all types when empty).
func collect(ctx context.Context, s Scanner, edgeType models.EdgeType) ([]models.Edge, error) {
	var (
		all    []models.Edge
		cursor *models.Edge
	)
	for {
		batch, err := s.ScanEdges(ctx, cursor, edgeType, exportBatch)
		if err != nil {
			return nil, fmt.Errorf("scanning edges: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < exportBatch {
			return all, nil
		}
		last := batch[len(batch)-1]
		cursor = &last
	}
}

// ExportYAML writes the stored edges in the fixture format read by Parse.
func ExportYAML(ctx context.Context, s Scanner, edgeType models.EdgeType, w io.Writer) (int, error) {
	edges, err := collect(ctx, s, edgeType)
	if err != nil {
		return 0, err
	}
	f := File{Edges: make(map[models.EdgeType][]Pair)}
	for _, e := range edges {
		f.Edges[e.Type] = append(f.Edges[e.Type], Pair{From: e.FromID, To: e.ToID})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return 0, err
	}
	return len(edges), enc.Close()
}

// ExportDOT writes the stored edges in Graphviz DOT format.
func ExportDOT(ctx context.Context, s Scanner, edgeType models.EdgeType, w io.Writer) (int, error) {
	edges, err := collect(ctx, s, edgeType)
	if err != nil {
		return 0, err
	}

	users := make(map[string]struct{})
	for _, e := range edges {
		users[e.FromID] = struct{}{}
		users[e.ToID] = struct{}{}
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("digraph relgraph {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=ellipse, style=filled, fillcolor=\"#AED6F1\"];\n\n")
	for _, id := range ids {
		b.WriteString(fmt.Sprintf("  %q;\n", id))
	}
	b.WriteString("\n")
	for _, e := range edges {
		b.WriteString(fmt.Sprintf("  %q -> %q [label=%q, color=%q];\n", e.FromID, e.ToID, e.Type, edgeColor(e.Type)))
	}
	b.WriteString("}\n")

	_, err = io.WriteString(w, b.String())
	return len(edges), err
}

func edgeColor(t models.EdgeType) string {
	switch t {
	case models.EdgeFollow:
		return "#27AE60"
	case models.EdgeMute:
		return "#F39C12"
	case models.EdgeBlock:
		return "#E74C3C"
	default:
		return "#D5D8DC"
	}
}
