// Package output renders fetched node trees for humans and for machines.
// Hidden relationships are structural and never rendered.
package output

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/incview/incview"
	"github.com/incview/incview/ivm"
)

// WriteTable renders nodes as an ascii table with one column per schema
// column and one per visible relationship. Related nodes are rendered
// inline as json.
func WriteTable(w io.Writer, schema *ivm.Schema, nodes []*ivm.Node) error {
	var header []string
	for _, column := range schema.Columns {
		header = append(header, column.Name)
	}
	relationships := visibleRelationships(schema)
	header = append(header, relationships...)

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)

	for _, node := range nodes {
		var out []string
		for _, column := range schema.Columns {
			out = append(out, node.Row[column.Name].String())
		}
		for _, name := range relationships {
			children, err := relatedObjects(schema, node, name)
			if err != nil {
				return err
			}
			rendered, err := json.Marshal(children)
			if err != nil {
				return errors.Wrapf(err, "couldn't render relationship %q", name)
			}
			out = append(out, string(rendered))
		}
		table.Append(out)
	}

	table.Render()
	return nil
}

// WriteJSON renders nodes as newline-delimited json objects, with visible
// relationships nested as arrays.
func WriteJSON(w io.Writer, schema *ivm.Schema, nodes []*ivm.Node) error {
	enc := json.NewEncoder(w)
	for _, node := range nodes {
		object, err := nodeObject(schema, node)
		if err != nil {
			return err
		}
		if err := enc.Encode(object); err != nil {
			return errors.Wrap(err, "couldn't encode node as json")
		}
	}
	return nil
}

func nodeObject(schema *ivm.Schema, node *ivm.Node) (map[string]interface{}, error) {
	object := make(map[string]interface{}, len(schema.Columns))
	for _, column := range schema.Columns {
		value, ok := node.Row[column.Name]
		if !ok {
			value = incview.NewNull()
		}
		object[column.Name] = value.ToRawValue()
	}
	for _, name := range visibleRelationships(schema) {
		children, err := relatedObjects(schema, node, name)
		if err != nil {
			return nil, err
		}
		object[name] = children
	}
	return object, nil
}

func relatedObjects(schema *ivm.Schema, node *ivm.Node, name string) ([]map[string]interface{}, error) {
	rel, ok := node.Relationship(name)
	if !ok {
		return []map[string]interface{}{}, nil
	}
	stream, err := rel.FetchChildren()
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't fetch relationship %q", name)
	}
	children, err := ivm.DrainStream(stream)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't read relationship %q", name)
	}
	childSchema := schema.Relationships[name].Schema
	out := make([]map[string]interface{}, len(children))
	for i, child := range children {
		object, err := nodeObject(childSchema, child)
		if err != nil {
			return nil, err
		}
		out[i] = object
	}
	return out, nil
}

// visibleRelationships returns the renderable relationship names in stable
// order.
func visibleRelationships(schema *ivm.Schema) []string {
	var out []string
	for name, rel := range schema.Relationships {
		if rel.Hidden {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
