// Package manifest reads, edits and rewrites HLS master playlists.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	tagHeader    = "#EXTM3U"
	tagMedia     = "#EXT-X-MEDIA:"
	tagStreamInf = "#EXT-X-STREAM-INF:"
	tagSegment   = "#EXTINF:"
)

var ErrNotMaster = errors.New("not an HLS master playlist")

// Attribute is one KEY=VALUE pair of an attribute list. Quoted values are
// stored without their quotes.
type Attribute struct {
	Key    string
	Value  string
	Quoted bool
}

type AttributeList []Attribute

func (l AttributeList) Get(key string) (string, bool) {
	for _, a := range l {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Set replaces an existing attribute in place or appends a new one.
func (l *AttributeList) Set(key, value string, quoted bool) {
	for i, a := range *l {
		if a.Key == key {
			(*l)[i] = Attribute{Key: key, Value: value, Quoted: quoted}
			return
		}
	}
	*l = append(*l, Attribute{Key: key, Value: value, Quoted: quoted})
}

func (l AttributeList) String() string {
	parts := make([]string, len(l))
	for i, a := range l {
		if a.Quoted {
			parts[i] = a.Key + `="` + a.Value + `"`
		} else {
			parts[i] = a.Key + "=" + a.Value
		}
	}
	return strings.Join(parts, ",")
}

// ParseAttributes splits an attribute list on commas outside quoted strings.
func ParseAttributes(s string) (AttributeList, error) {
	var (
		list    AttributeList
		inQuote bool
		start   int
	)
	flush := func(end int) error {
		field := strings.TrimSpace(s[start:end])
		start = end + 1
		if field == "" {
			return nil
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return fmt.Errorf("attribute %q has no value", field)
		}
		attr := Attribute{Key: strings.TrimSpace(key), Value: value}
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			attr.Value = value[1 : len(value)-1]
			attr.Quoted = true
		}
		list = append(list, attr)
		return nil
	}

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				if err := flush(i); err != nil {
					return nil, err
				}
			}
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted string in %q", s)
	}
	if err := flush(len(s)); err != nil {
		return nil, err
	}
	return list, nil
}

type Media struct {
	Attrs AttributeList
}

type Variant struct {
	Attrs AttributeList
	URI   string
}

// Playlist is an in-memory master playlist. Tags it does not model are kept
// verbatim: those seen before the first rendition entry in Header, the rest
// in Trailer.
type Playlist struct {
	Header   []string
	Media    []Media
	Variants []Variant
	Trailer  []string
}

func Parse(data []byte) (*Playlist, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	pl := &Playlist{}
	var (
		sawHeader  bool
		sawEntries bool
		pending    *Variant
	)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if !sawHeader {
			if trimmed != tagHeader {
				return nil, fmt.Errorf("%w: missing %s", ErrNotMaster, tagHeader)
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, tagSegment):
			return nil, fmt.Errorf("%w: contains media segments", ErrNotMaster)
		case strings.HasPrefix(trimmed, tagMedia):
			attrs, err := ParseAttributes(strings.TrimPrefix(trimmed, tagMedia))
			if err != nil {
				return nil, fmt.Errorf("parse media entry: %w", err)
			}
			pl.Media = append(pl.Media, Media{Attrs: attrs})
			sawEntries = true
		case strings.HasPrefix(trimmed, tagStreamInf):
			attrs, err := ParseAttributes(strings.TrimPrefix(trimmed, tagStreamInf))
			if err != nil {
				return nil, fmt.Errorf("parse variant entry: %w", err)
			}
			pending = &Variant{Attrs: attrs}
			sawEntries = true
		case !strings.HasPrefix(trimmed, "#"):
			if pending == nil {
				return nil, fmt.Errorf("uri %q without a preceding stream entry", trimmed)
			}
			pending.URI = trimmed
			pl.Variants = append(pl.Variants, *pending)
			pending = nil
		case sawEntries:
			pl.Trailer = append(pl.Trailer, trimmed)
		default:
			pl.Header = append(pl.Header, trimmed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: empty playlist", ErrNotMaster)
	}
	if pending != nil {
		return nil, fmt.Errorf("stream entry without uri")
	}
	return pl, nil
}

func (p *Playlist) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(tagHeader + "\n")
	for _, line := range p.Header {
		b.WriteString(line + "\n")
	}
	if len(p.Media) > 0 {
		b.WriteString("\n")
		for _, m := range p.Media {
			b.WriteString(tagMedia + m.Attrs.String() + "\n")
		}
	}
	for _, v := range p.Variants {
		b.WriteString("\n")
		b.WriteString(tagStreamInf + v.Attrs.String() + "\n")
		b.WriteString(v.URI + "\n")
	}
	if len(p.Trailer) > 0 {
		b.WriteString("\n")
		for _, line := range p.Trailer {
			b.WriteString(line + "\n")
		}
	}
	return b.Bytes()
}
