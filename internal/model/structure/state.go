package structure

import (
	"fmt"
	"maps"
	"strings"
)

// Files maps a file's full path to its body.
type Files map[string]string

func (f Files) Clone() Files {
	c := make(Files, len(f))
	maps.Copy(c, f)
	return c
}

// State is a tree together with the content of its file leaves.
type State struct {
	Tree  *Node `json:"structure"`
	Files Files `json:"files"`
}

func NewState() State {
	return State{Tree: NewRoot(), Files: Files{}}
}

func (s State) Clone() State {
	return State{Tree: s.Tree.Clone(), Files: s.Files.Clone()}
}

func (s State) Equal(o State) bool {
	return EqualNodes(s.Tree, o.Tree) && maps.Equal(s.Files, o.Files)
}

// Normalize repairs a state that did not come out of this package, for
// example one loaded from storage: children are sorted, duplicate siblings
// dropped, missing content entries created and orphan entries removed.
func Normalize(s State) State {
	out := s.Clone()
	if out.Tree == nil || out.Tree.Kind != KindFolder {
		out.Tree = NewRoot()
	}
	normalize(out.Tree)

	files := make(Files)
	for _, p := range FilePaths(out.Tree) {
		files[p] = out.Files[p]
	}
	out.Files = files
	return out
}

// Validate reports the first violation of the tree/content consistency
// invariant: every file leaf has exactly one entry and every entry has a
// leaf.
func Validate(s State) error {
	if s.Tree == nil {
		return fmt.Errorf("%w: missing root", ErrInvalidKind)
	}
	if err := checkKinds(s.Tree); err != nil {
		return err
	}
	leaves := FilePaths(s.Tree)
	if len(leaves) != len(s.Files) {
		return fmt.Errorf("%d file leaves but %d content entries", len(leaves), len(s.Files))
	}
	for _, p := range leaves {
		if _, ok := s.Files[p]; !ok {
			return fmt.Errorf("no content entry for %q", p)
		}
	}
	return nil
}

// Insert adds node (and its subtree) under the folder at parent. File
// leaves of the inserted subtree get empty content, except a lone file node
// which gets content.
func (s State) Insert(parent string, node *Node, content string) (State, error) {
	if node == nil {
		return s, ErrInvalidName
	}
	if err := ValidName(node.Name); err != nil {
		return s, err
	}
	if err := checkKinds(node); err != nil {
		return s, err
	}
	parentPath, err := CleanPath(parent)
	if err != nil {
		return s, err
	}

	out := s.Clone()
	dir := Find(out.Tree, parentPath)
	if dir == nil {
		return s, fmt.Errorf("%w: %s", ErrNodeNotFound, parentPath)
	}
	if !dir.IsFolder() {
		return s, fmt.Errorf("%w: %s", ErrNotFolder, parentPath)
	}
	if dir.child(node.Name) != nil {
		return s, fmt.Errorf("%w: %s", ErrNodeExists, JoinPath(parentPath, node.Name))
	}

	inserted := node.Clone()
	normalize(inserted)
	dir.addChild(inserted)

	full := JoinPath(parentPath, inserted.Name)
	if inserted.Kind == KindFile {
		out.Files[full] = content
		return out, nil
	}
	walkFiles(inserted, full, func(p string) { out.Files[p] = "" })
	return out, nil
}

// Rename gives the node at path a new name in the same folder and re-keys
// the content of the node and all of its descendants.
func (s State) Rename(path, newName string) (State, error) {
	if err := ValidName(newName); err != nil {
		return s, err
	}
	parts, err := SplitPath(path)
	if err != nil {
		return s, err
	}
	if len(parts) == 0 {
		return s, fmt.Errorf("%w: cannot rename root", ErrInvalidPath)
	}
	oldPath := strings.Join(parts, "/")
	parentPath := strings.Join(parts[:len(parts)-1], "/")
	newPath := JoinPath(parentPath, newName)

	out := s.Clone()
	dir := Find(out.Tree, parentPath)
	if dir == nil || !dir.IsFolder() {
		return s, fmt.Errorf("%w: %s", ErrNodeNotFound, oldPath)
	}
	node := dir.child(parts[len(parts)-1])
	if node == nil {
		return s, fmt.Errorf("%w: %s", ErrNodeNotFound, oldPath)
	}
	if newPath == oldPath {
		return s, nil
	}
	if dir.child(newName) != nil {
		return s, fmt.Errorf("%w: %s", ErrNodeExists, newPath)
	}
	node.Name = newName
	sortChildren(dir)

	files := make(Files, len(out.Files))
	for k, v := range out.Files {
		switch {
		case k == oldPath:
			files[newPath] = v
		case strings.HasPrefix(k, oldPath+"/"):
			files[newPath+strings.TrimPrefix(k, oldPath)] = v
		default:
			files[k] = v
		}
	}
	out.Files = files
	return out, nil
}

// Delete removes the node at path and the content of it and its
// descendants.
func (s State) Delete(path string) (State, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return s, err
	}
	if len(parts) == 0 {
		return s, fmt.Errorf("%w: cannot delete root", ErrInvalidPath)
	}
	full := strings.Join(parts, "/")

	out := s.Clone()
	dir := Find(out.Tree, strings.Join(parts[:len(parts)-1], "/"))
	if dir == nil || !dir.IsFolder() || dir.removeChild(parts[len(parts)-1]) == nil {
		return s, fmt.Errorf("%w: %s", ErrNodeNotFound, full)
	}
	for k := range out.Files {
		if k == full || strings.HasPrefix(k, full+"/") {
			delete(out.Files, k)
		}
	}
	return out, nil
}

// Write replaces the whole body of the file at path.
func (s State) Write(path, content string) (State, error) {
	full, err := CleanPath(path)
	if err != nil {
		return s, err
	}
	node := Find(s.Tree, full)
	if node == nil {
		return s, fmt.Errorf("%w: %s", ErrNodeNotFound, full)
	}
	if node.Kind != KindFile {
		return s, fmt.Errorf("%w: %s", ErrNotFile, full)
	}
	out := State{Tree: s.Tree.Clone(), Files: s.Files.Clone()}
	out.Files[full] = content
	return out, nil
}
