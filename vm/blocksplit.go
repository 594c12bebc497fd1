package vm

import (
	"fmt"
	"sort"
)

// MaxOperandDepth is the register budget for the operand stack. A
// method whose expressions need more than this many live values is
// unsupported by design and stays interpreted.
const MaxOperandDepth = 4

// BasicBlock is a maximal straight-line instruction run discovered by
// the splitter. Start and End are bytecode offsets; EntryDepth is the
// operand-stack depth on entry, derived from the statically known
// effect of every opcode on the way in.
type BasicBlock struct {
	Start      int
	End        int
	EntryDepth int

	// Filled in during placement.
	addr   uintptr
	size   int
	placed bool
}

// Addr returns the block's machine-code start address once placed.
func (b *BasicBlock) Addr() uintptr {
	return b.addr
}

// blockSet maps start offsets to blocks. Doubles as the visited set
// that makes splitting terminate on cyclic control flow: a start offset
// is registered before its successors are walked, so loops and
// self-recursive shapes fall out of the recursion immediately.
type blockSet map[int]*BasicBlock

// inOrder returns the blocks sorted by start offset.
func (s blockSet) inOrder() []*BasicBlock {
	blocks := make([]*BasicBlock, 0, len(s))
	for _, b := range s {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Start < blocks[j].Start })
	return blocks
}

// splitBlocks partitions the method's bytecode into the basic blocks
// reachable from start, following fall-through and branch edges.
// Returns an error for opcodes outside the compilable subset or for a
// depth that leaves the register budget.
func splitBlocks(m *CompiledMethod, start, depth int, visited blockSet) error {
	if _, seen := visited[start]; seen {
		return nil
	}
	block := &BasicBlock{Start: start, EntryDepth: depth}
	visited[start] = block

	r := NewBytecodeReader(m.Bytecode)
	r.Seek(start)
	for {
		if !r.HasMore() {
			return fmt.Errorf("block at %d runs past the end of the method", start)
		}
		op := r.ReadOpcode()
		switch op {
		case OpNOP:
			// nothing

		case OpPOP:
			depth--

		case OpPushNil, OpPushTrue, OpPushFalse, OpPushSelf, OpPushZero, OpPushOne:
			depth++

		case OpPushInt8:
			r.Skip(1)
			depth++

		case OpPushInt32:
			r.Skip(4)
			depth++

		case OpPushLocal:
			idx := int(r.ReadByte())
			if idx >= m.NumLocals {
				return fmt.Errorf("local %d out of range at %d", idx, start)
			}
			depth++

		case OpAdd, OpSub, OpLess:
			// Pops two, pushes one: the net effect alone would let a
			// one-value stack through.
			if depth < 2 {
				return fmt.Errorf("operand stack underflow at %d", block.Start)
			}
			depth--

		case OpCallMethod:
			callee := int(r.ReadByte())
			argc := int(r.ReadByte())
			if callee >= len(m.Callees) {
				return fmt.Errorf("callee %d out of range at %d", callee, start)
			}
			// Pops receiver+args, pushes the result.
			if depth < argc+1 {
				return fmt.Errorf("operand stack underflow at %d", block.Start)
			}
			depth -= argc

		case OpBranchUnless:
			offset := int(r.ReadInt16())
			depth-- // condition popped
			if depth < 0 {
				return fmt.Errorf("operand stack underflow at %d", block.Start)
			}
			block.End = r.Position()
			// Both successors inherit the depth as of just after the
			// branch. Fall-through first, then the jump target.
			if err := splitBlocks(m, r.Position(), depth, visited); err != nil {
				return err
			}
			return splitBlocks(m, r.Position()+offset, depth, visited)

		case OpReturnTop:
			depth--
			if depth < 0 {
				return fmt.Errorf("operand stack underflow at %d", block.Start)
			}
			block.End = r.Position()
			return nil

		default:
			return fmt.Errorf("%w: %s", ErrUnsupportedOpcode, op)
		}

		if depth < 0 {
			return fmt.Errorf("operand stack underflow at %d", block.Start)
		}
		if depth > MaxOperandDepth {
			return fmt.Errorf("%w: depth %d at offset %d", ErrStackTooDeep, depth, r.Position())
		}
	}
}
