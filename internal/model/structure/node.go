// Package structure holds the project tree of a room and the file content
// map that shadows its file leaves. Every mutation returns a new State and
// leaves the receiver untouched.
package structure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

const RootName = "root"

var (
	ErrInvalidName  = errors.New("invalid node name")
	ErrInvalidPath  = errors.New("invalid path")
	ErrNodeExists   = errors.New("node already exists")
	ErrNodeNotFound = errors.New("node not found")
	ErrNotFolder    = errors.New("parent is not a folder")
	ErrNotFile      = errors.New("node is not a file")
	ErrInvalidKind  = errors.New("node must be a file or a folder")
)

// Node is one entry of the project tree. Children are kept sorted by name.
type Node struct {
	Kind     Kind    `json:"type"`
	Name     string  `json:"name"`
	Children []*Node `json:"children,omitempty"`
}

func NewRoot() *Node {
	return &Node{Kind: KindFolder, Name: RootName, Children: []*Node{}}
}

func NewFile(name string) *Node {
	return &Node{Kind: KindFile, Name: name}
}

func NewFolder(name string, children ...*Node) *Node {
	if children == nil {
		children = []*Node{}
	}
	return &Node{Kind: KindFolder, Name: name, Children: children}
}

func (n *Node) IsFolder() bool { return n != nil && n.Kind == KindFolder }

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Kind: n.Kind, Name: n.Name}
	if n.Kind == KindFolder {
		c.Children = make([]*Node, 0, len(n.Children))
		for _, child := range n.Children {
			c.Children = append(c.Children, child.Clone())
		}
	}
	return c
}

func (n *Node) child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (n *Node) removeChild(name string) *Node {
	for i, c := range n.Children {
		if c.Name == name {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return c
		}
	}
	return nil
}

func (n *Node) addChild(c *Node) {
	n.Children = append(n.Children, c)
	sortChildren(n)
}

func sortChildren(n *Node) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		return n.Children[i].Name < n.Children[j].Name
	})
}

// EqualNodes compares two trees by value.
func EqualNodes(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Name != b.Name || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !EqualNodes(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// ValidName rejects names that cannot be a single path segment.
func ValidName(name string) error {
	if strings.TrimSpace(name) == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return ErrInvalidName
	}
	return nil
}

// SplitPath turns "a/b/c" (leading and trailing slashes tolerated) into its
// segments. The empty path names the root and yields no segments.
func SplitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if err := ValidName(part); err != nil {
			return nil, ErrInvalidPath
		}
	}
	return parts, nil
}

// CleanPath returns the canonical form of p: segments joined by "/" with no
// leading or trailing slash.
func CleanPath(p string) (string, error) {
	parts, err := SplitPath(p)
	if err != nil {
		return "", err
	}
	return strings.Join(parts, "/"), nil
}

// JoinPath joins a parent path and a child name.
func JoinPath(parent, name string) string {
	parent = strings.Trim(parent, "/")
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Find returns the node at path, or nil.
func Find(root *Node, path string) *Node {
	parts, err := SplitPath(path)
	if err != nil {
		return nil
	}
	n := root
	for _, part := range parts {
		if !n.IsFolder() {
			return nil
		}
		if n = n.child(part); n == nil {
			return nil
		}
	}
	return n
}

// FilePaths lists the full path of every file leaf under root.
func FilePaths(root *Node) []string {
	var paths []string
	walkFiles(root, "", func(p string) { paths = append(paths, p) })
	sort.Strings(paths)
	return paths
}

func walkFiles(n *Node, prefix string, fn func(string)) {
	for _, c := range n.Children {
		p := JoinPath(prefix, c.Name)
		if c.Kind == KindFile {
			fn(p)
			continue
		}
		walkFiles(c, p, fn)
	}
}

// checkKinds reports the first node under n, n included, that is neither a
// file nor a folder.
func checkKinds(n *Node) error {
	switch n.Kind {
	case KindFile:
		return nil
	case KindFolder:
		for _, c := range n.Children {
			if c == nil {
				continue
			}
			if err := checkKinds(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q has type %q", ErrInvalidKind, n.Name, n.Kind)
	}
}

// normalize sorts every folder, drops duplicate siblings (first wins) and
// gives folders a non-nil child slice.
func normalize(n *Node) {
	if n.Kind != KindFolder {
		n.Children = nil
		return
	}
	if n.Children == nil {
		n.Children = []*Node{}
	}
	seen := make(map[string]bool, len(n.Children))
	kept := n.Children[:0]
	for _, c := range n.Children {
		if c == nil || ValidName(c.Name) != nil || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		if c.Kind != KindFolder {
			c.Kind = KindFile
		}
		normalize(c)
		kept = append(kept, c)
	}
	n.Children = kept
	sortChildren(n)
}
