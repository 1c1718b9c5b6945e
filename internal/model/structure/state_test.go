package structure_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"room-sync-service/internal/model/structure"
)

func build(t *testing.T) structure.State {
	t.Helper()
	s := structure.NewState()
	var err error
	s, err = s.Insert("", structure.NewFolder("a"), "")
	require.NoError(t, err)
	s, err = s.Insert("a", structure.NewFile("x.txt"), "hello")
	require.NoError(t, err)
	s, err = s.Insert("a", structure.NewFolder("sub"), "")
	require.NoError(t, err)
	s, err = s.Insert("a/sub", structure.NewFile("y.txt"), "deep")
	require.NoError(t, err)
	s, err = s.Insert("/", structure.NewFile("readme.md"), "# hi")
	require.NoError(t, err)
	return s
}

func TestInsert(t *testing.T) {
	s := build(t)

	assert.Equal(t, []string{"a/sub/y.txt", "a/x.txt", "readme.md"}, structure.FilePaths(s.Tree))
	assert.Equal(t, "hello", s.Files["a/x.txt"])
	assert.NoError(t, structure.Validate(s))

	t.Run("duplicate sibling", func(t *testing.T) {
		_, err := s.Insert("a", structure.NewFile("x.txt"), "")
		assert.ErrorIs(t, err, structure.ErrNodeExists)
	})
	t.Run("missing parent", func(t *testing.T) {
		_, err := s.Insert("nope", structure.NewFile("z"), "")
		assert.ErrorIs(t, err, structure.ErrNodeNotFound)
	})
	t.Run("parent is a file", func(t *testing.T) {
		_, err := s.Insert("readme.md", structure.NewFile("z"), "")
		assert.ErrorIs(t, err, structure.ErrNotFolder)
	})
	t.Run("bad name", func(t *testing.T) {
		_, err := s.Insert("", structure.NewFile("a/b"), "")
		assert.ErrorIs(t, err, structure.ErrInvalidName)
		_, err = s.Insert("", structure.NewFile(" "), "")
		assert.ErrorIs(t, err, structure.ErrInvalidName)
	})
	t.Run("node without a kind", func(t *testing.T) {
		_, err := s.Insert("", &structure.Node{Name: "x"}, "hello")
		assert.ErrorIs(t, err, structure.ErrInvalidKind)
		_, err = s.Insert("", structure.NewFolder("lib", &structure.Node{Kind: "link", Name: "y"}), "")
		assert.ErrorIs(t, err, structure.ErrInvalidKind)

		next, _ := s.Apply(structure.Op{Kind: structure.OpInsert, Node: &structure.Node{Name: "x"}, Content: "hello"})
		assert.True(t, next.Equal(s))
		assert.True(t, structure.Normalize(next).Equal(next))
	})
	t.Run("folder subtree gets empty entries", func(t *testing.T) {
		next, err := s.Insert("", structure.NewFolder("lib", structure.NewFile("b.go"), structure.NewFile("a.go")), "ignored")
		require.NoError(t, err)
		assert.Equal(t, "", next.Files["lib/a.go"])
		assert.Equal(t, "", next.Files["lib/b.go"])
		assert.Equal(t, "a.go", structure.Find(next.Tree, "lib").Children[0].Name)
		assert.NoError(t, structure.Validate(next))
	})
}

func TestInsertDoesNotMutateReceiver(t *testing.T) {
	s := build(t)
	before := s.Clone()

	_, err := s.Insert("a", structure.NewFile("new.txt"), "")
	require.NoError(t, err)
	_, err = s.Delete("a")
	require.NoError(t, err)
	_, err = s.Rename("a", "b")
	require.NoError(t, err)

	assert.True(t, s.Equal(before))
}

func TestRenameFolderRekeysDescendants(t *testing.T) {
	s := build(t)

	next, err := s.Rename("/a", "b")
	require.NoError(t, err)

	assert.Equal(t, "hello", next.Files["b/x.txt"])
	assert.Equal(t, "deep", next.Files["b/sub/y.txt"])
	_, stale := next.Files["a/x.txt"]
	assert.False(t, stale)
	_, stale = next.Files["a/sub/y.txt"]
	assert.False(t, stale)
	assert.Len(t, next.Files, len(s.Files))
	assert.NoError(t, structure.Validate(next))
	assert.Nil(t, structure.Find(next.Tree, "a"))
	assert.NotNil(t, structure.Find(next.Tree, "b/sub/y.txt"))
}

func TestRenamePrefixSibling(t *testing.T) {
	s := structure.NewState()
	s, _ = s.Insert("", structure.NewFolder("a"), "")
	s, _ = s.Insert("", structure.NewFolder("ab"), "")
	s, _ = s.Insert("a", structure.NewFile("1"), "one")
	s, _ = s.Insert("ab", structure.NewFile("2"), "two")

	next, err := s.Rename("a", "c")
	require.NoError(t, err)
	assert.Equal(t, "two", next.Files["ab/2"])
	assert.Equal(t, "one", next.Files["c/1"])
}

func TestRenameErrors(t *testing.T) {
	s := build(t)

	_, err := s.Rename("a/x.txt", "sub")
	assert.ErrorIs(t, err, structure.ErrNodeExists)
	_, err = s.Rename("missing", "z")
	assert.ErrorIs(t, err, structure.ErrNodeNotFound)
	_, err = s.Rename("", "z")
	assert.ErrorIs(t, err, structure.ErrInvalidPath)

	same, err := s.Rename("a", "a")
	assert.NoError(t, err)
	assert.True(t, same.Equal(s))
}

func TestDelete(t *testing.T) {
	s := build(t)

	next, err := s.Delete("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"readme.md"}, structure.FilePaths(next.Tree))
	assert.Equal(t, structure.Files{"readme.md": "# hi"}, next.Files)

	_, err = next.Delete("a")
	assert.ErrorIs(t, err, structure.ErrNodeNotFound)
	_, err = next.Delete("")
	assert.ErrorIs(t, err, structure.ErrInvalidPath)
}

func TestWrite(t *testing.T) {
	s := build(t)

	next, err := s.Write("a/x.txt", "changed")
	require.NoError(t, err)
	assert.Equal(t, "changed", next.Files["a/x.txt"])
	assert.Equal(t, "hello", s.Files["a/x.txt"])

	_, err = s.Write("a", "nope")
	assert.ErrorIs(t, err, structure.ErrNotFile)
	_, err = s.Write("ghost.txt", "nope")
	assert.ErrorIs(t, err, structure.ErrNodeNotFound)
}

func TestNormalize(t *testing.T) {
	raw := structure.State{
		Tree: &structure.Node{Kind: structure.KindFolder, Name: "root", Children: []*structure.Node{
			{Kind: structure.KindFile, Name: "z.txt"},
			{Kind: structure.KindFile, Name: "a.txt"},
			{Kind: structure.KindFile, Name: "a.txt"},
			{Kind: structure.KindFolder, Name: "empty"},
		}},
		Files: structure.Files{"z.txt": "zz", "orphan.txt": "lost"},
	}

	s := structure.Normalize(raw)
	assert.NoError(t, structure.Validate(s))
	assert.Equal(t, structure.Files{"a.txt": "", "z.txt": "zz"}, s.Files)
	assert.Equal(t, "a.txt", s.Tree.Children[0].Name)
	assert.NotNil(t, structure.Find(s.Tree, "empty").Children)

	assert.NoError(t, structure.Validate(structure.Normalize(structure.State{})))
}

func TestValidateRejectsUnknownKinds(t *testing.T) {
	s := structure.State{
		Tree: &structure.Node{Kind: structure.KindFolder, Name: "root", Children: []*structure.Node{
			{Name: "x"},
		}},
		Files: structure.Files{},
	}
	assert.ErrorIs(t, structure.Validate(s), structure.ErrInvalidKind)
	assert.NoError(t, structure.Validate(structure.Normalize(s)))
}

func TestRandomOpsKeepContentMapConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := structure.NewState()
	names := []string{"a", "b", "c", "d.txt", "e.txt"}

	randomPath := func() string {
		paths := append([]string{""}, folderPaths(s.Tree, "")...)
		paths = append(paths, structure.FilePaths(s.Tree)...)
		return paths[rng.Intn(len(paths))]
	}

	for i := 0; i < 2000; i++ {
		var next structure.State
		var err error
		switch rng.Intn(4) {
		case 0:
			name := names[rng.Intn(len(names))]
			node := structure.NewFile(name)
			if rng.Intn(2) == 0 {
				node = structure.NewFolder(name)
			}
			next, err = s.Insert(randomPath(), node, fmt.Sprint(i))
		case 1:
			next, err = s.Rename(randomPath(), names[rng.Intn(len(names))])
		case 2:
			next, err = s.Delete(randomPath())
		case 3:
			next, err = s.Write(randomPath(), fmt.Sprint(i))
		}
		if err == nil {
			s = next
		}
		require.NoError(t, structure.Validate(s), "step %d", i)
	}
}

func folderPaths(n *structure.Node, prefix string) []string {
	var out []string
	for _, c := range n.Children {
		if c.IsFolder() {
			p := structure.JoinPath(prefix, c.Name)
			out = append(out, p)
			out = append(out, folderPaths(c, p)...)
		}
	}
	return out
}
