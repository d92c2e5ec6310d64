package normalize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

type xmlNode struct {
	tag      string
	attrs    []xml.Attr
	text     strings.Builder
	parent   *xmlNode
	children []*xmlNode
}

func (n *xmlNode) trimmedText() string {
	return strings.TrimSpace(n.text.String())
}

// score orders record candidates by attribute count and then by presence of
// text.
func (n *xmlNode) score() (int, bool) {
	return len(n.attrs), n.trimmedText() != ""
}

func (n *xmlNode) carriesData() bool {
	attrs, text := n.score()
	return attrs > 0 || text
}

func parseXMLTree(body []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	// concentrators declare latin1 now and then, the bytes are passed through
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var root, cur *xmlNode
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if cur == nil && root != nil {
				return nil, errors.New("multiple root elements")
			}
			n := &xmlNode{tag: t.Name.Local, parent: cur}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
					continue
				}
				n.attrs = append(n.attrs, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
			}
			if cur == nil {
				root = n
			} else {
				cur.children = append(cur.children, n)
			}
			cur = n
		case xml.EndElement:
			if cur == nil {
				return nil, errors.New("unbalanced end element")
			}
			cur = cur.parent
		case xml.CharData:
			if cur != nil {
				cur.text.Write(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				return nil, errors.New("text outside of root element")
			}
		}
	}
	if root == nil {
		return nil, errors.New("no root element")
	}
	if cur != nil {
		return nil, errors.New("unclosed element")
	}
	return root, nil
}

func collectLeaves(n *xmlNode, out []*xmlNode) []*xmlNode {
	if len(n.children) == 0 {
		return append(out, n)
	}
	for _, ch := range n.children {
		out = collectLeaves(ch, out)
	}
	return out
}

// selectRecords picks the repeated leaf tag that best looks like the data
// records of the report. When no leaf tag repeats, the single richest leaf is
// used instead.
func selectRecords(leaves []*xmlNode) (string, []*xmlNode) {
	var order []string
	groups := make(map[string][]*xmlNode)
	for _, l := range leaves {
		if !l.carriesData() {
			continue
		}
		if _, ok := groups[l.tag]; !ok {
			order = append(order, l.tag)
		}
		groups[l.tag] = append(groups[l.tag], l)
	}

	var (
		bestTag             string
		bestCount, bestAttr int
	)
	for _, tag := range order {
		elems := groups[tag]
		if len(elems) < 2 {
			continue
		}
		var attrs int
		for _, e := range elems {
			attrs += len(e.attrs)
		}
		avg := attrs / len(elems)
		if len(elems) > bestCount || (len(elems) == bestCount && avg > bestAttr) {
			bestTag, bestCount, bestAttr = tag, len(elems), avg
		}
	}
	if bestTag != "" {
		return bestTag, groups[bestTag]
	}

	var best *xmlNode
	for _, tag := range order {
		for _, e := range groups[tag] {
			if best == nil {
				best = e
				continue
			}
			attrs, text := e.score()
			bestAttrs, bestText := best.score()
			if attrs > bestAttrs || (attrs == bestAttrs && text && !bestText) {
				best = e
			}
		}
	}
	if best == nil {
		return "", nil
	}
	return best.tag, []*xmlNode{best}
}

// FlattenXML turns a nested concentrator XML report into rows. Each row holds
// the root attributes, the attributes of every intermediate ancestor prefixed
// with its tag (Cnc.Id, Cnt.Id), the record attributes, the record text under
// "value" and the record tag under "recordTag". It returns nil when the body
// is not XML or holds no records.
func FlattenXML(body []byte) []Row {
	root, err := parseXMLTree(body)
	if err != nil {
		return nil
	}
	tag, records := selectRecords(collectLeaves(root, nil))
	if len(records) == 0 {
		return nil
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row)
		for _, a := range root.attrs {
			row[a.Name.Local] = a.Value
		}
		if rec != root {
			for anc := rec.parent; anc != nil && anc != root; anc = anc.parent {
				for _, a := range anc.attrs {
					col := anc.tag + "." + a.Name.Local
					if _, ok := row[col]; !ok {
						row[col] = a.Value
					}
				}
			}
		}

		used := make(map[string]struct{}, len(row))
		for k := range row {
			used[k] = struct{}{}
		}
		for _, a := range rec.attrs {
			col := a.Name.Local
			if _, ok := used[col]; ok {
				col = tag + "." + col
			}
			row[col] = a.Value
		}

		if text := rec.trimmedText(); text != "" {
			col := "value"
			if _, ok := row[col]; ok {
				col = tag + ".value"
			}
			row[col] = text
		}
		if _, ok := row["recordTag"]; !ok {
			row["recordTag"] = tag
		}
		rows = append(rows, row)
	}
	return rows
}
