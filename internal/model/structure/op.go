package structure

import "fmt"

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpRename OpKind = "rename"
	OpDelete OpKind = "delete"
	OpWrite  OpKind = "write"
)

// Op records one mutation so that other replicas can replay it on top of
// their own state instead of adopting the sender's whole tree.
//
// For OpInsert, Path is the parent folder.
type Op struct {
	Kind    OpKind `json:"kind"`
	Path    string `json:"path"`
	Node    *Node  `json:"node,omitempty"`
	NewName string `json:"newName,omitempty"`
	Content string `json:"content,omitempty"`
}

func InsertOp(parent string, node *Node, content string) Op {
	return Op{Kind: OpInsert, Path: parent, Node: node.Clone(), Content: content}
}

func RenameOp(path, newName string) Op {
	return Op{Kind: OpRename, Path: path, NewName: newName}
}

func DeleteOp(path string) Op {
	return Op{Kind: OpDelete, Path: path}
}

func WriteOp(path, content string) Op {
	return Op{Kind: OpWrite, Path: path, Content: content}
}

// Apply runs op against s.
func (s State) Apply(op Op) (State, error) {
	switch op.Kind {
	case OpInsert:
		return s.Insert(op.Path, op.Node, op.Content)
	case OpRename:
		return s.Rename(op.Path, op.NewName)
	case OpDelete:
		return s.Delete(op.Path)
	case OpWrite:
		return s.Write(op.Path, op.Content)
	default:
		return s, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// Replay applies ops in order. An op that conflicts with the local state
// (the node it targets is gone, or its name is already taken) is skipped:
// the local state already reflects a concurrent decision about that node.
// It returns the new state and the number of ops that were skipped.
func (s State) Replay(ops []Op) (State, int) {
	skipped := 0
	for _, op := range ops {
		next, err := s.Apply(op)
		if err != nil {
			skipped++
			continue
		}
		s = next
	}
	return s, skipped
}

