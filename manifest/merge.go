package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// SubtitleGroupID names the single subtitle media group every variant references.
	SubtitleGroupID = "subtitle"
	// RedundantPrefix marks byproducts of single-file subtitle muxing.
	RedundantPrefix = "redundant_"
)

type Subtitle struct {
	Name     string
	Language string
	URI      string
}

// UpsertSubtitle adds or replaces the subtitle entry keyed by the slug of
// s.Name and points every variant at the subtitle group.
func (p *Playlist) UpsertSubtitle(s Subtitle) {
	attrs := AttributeList{
		{Key: "TYPE", Value: "SUBTITLES"},
		{Key: "GROUP-ID", Value: SubtitleGroupID, Quoted: true},
		{Key: "NAME", Value: s.Name, Quoted: true},
		{Key: "DEFAULT", Value: "NO"},
		{Key: "AUTOSELECT", Value: "NO"},
		{Key: "FORCED", Value: "NO"},
		{Key: "LANGUAGE", Value: s.Language, Quoted: true},
		{Key: "URI", Value: s.URI, Quoted: true},
	}

	if i := p.findSubtitle(Slugify(s.Name)); i >= 0 {
		p.Media[i].Attrs = attrs
	} else {
		p.Media = append(p.Media, Media{Attrs: attrs})
	}

	for i := range p.Variants {
		p.Variants[i].Attrs.Set("SUBTITLES", SubtitleGroupID, true)
	}
}

// Subtitles returns the entries of the subtitle group in playlist order.
func (p *Playlist) Subtitles() []Subtitle {
	var subs []Subtitle
	for _, m := range p.Media {
		if !isSubtitleGroupEntry(m) {
			continue
		}
		name, _ := m.Attrs.Get("NAME")
		lang, _ := m.Attrs.Get("LANGUAGE")
		uri, _ := m.Attrs.Get("URI")
		subs = append(subs, Subtitle{Name: name, Language: lang, URI: uri})
	}
	return subs
}

func (p *Playlist) findSubtitle(slug string) int {
	for i, m := range p.Media {
		if !isSubtitleGroupEntry(m) {
			continue
		}
		if name, _ := m.Attrs.Get("NAME"); Slugify(name) == slug {
			return i
		}
	}
	return -1
}

func isSubtitleGroupEntry(m Media) bool {
	typ, _ := m.Attrs.Get("TYPE")
	group, _ := m.Attrs.Get("GROUP-ID")
	return typ == "SUBTITLES" && group == SubtitleGroupID
}

// MergeCaption injects a subtitle rendition into the master playlist at
// masterPath. Merging the same display name again replaces the entry.
// Callers serialize merges per video with Lock.
func MergeCaption(masterPath, renditionName, languageTag, displayName string) error {
	data, err := os.ReadFile(masterPath)
	if err != nil {
		return fmt.Errorf("read master playlist: %w", err)
	}

	pl, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(masterPath), err)
	}

	pl.UpsertSubtitle(Subtitle{Name: displayName, Language: languageTag, URI: renditionName})

	if err := WriteAtomic(masterPath, pl.Encode(), 0644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}

// PurgeRedundant deletes the muxer byproducts in dir and returns their names.
func PurgeRedundant(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), RedundantPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}

// WriteAtomic replaces path with data via a temp file in the same directory,
// so readers see either the old or the new playlist.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
