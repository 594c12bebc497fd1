package vm

import "fmt"

// PendingBranch records a control transfer that was emitted before its
// target address was known. The site was encoded best-effort against a
// sentinel address in the fixed-width rel32 form, so the recompute
// closure can overwrite it in place once every block of the enclosing
// method has been placed.
type PendingBranch struct {
	site      uintptr                    // address of the placeholder encoding
	length    int                        // placeholder byte length
	owner     *CompiledMethod            // method whose code holds the site
	recompute func() (*Assembler, error) // re-encodes with real addresses
}

// branchPatcher collects the pending branches of one method compilation
// and rewrites them in emission order.
type branchPatcher struct {
	pending []PendingBranch
}

// add records a placeholder site for later patching.
func (p *branchPatcher) add(site uintptr, length int, owner *CompiledMethod, recompute func() (*Assembler, error)) {
	p.pending = append(p.pending, PendingBranch{site: site, length: length, owner: owner, recompute: recompute})
}

// errUnresolvedTarget marks a recompute closure whose target is still
// unknown; the pending branch is handed to the enclosing compilation.
var errUnresolvedTarget = fmt.Errorf("branch target still unresolved")

// patch revisits every pending branch, re-encodes it against the now
// known addresses, and overwrites the placeholder through the buffer's
// scoped WriteAt. Branches whose targets are still unknown (calls into
// an enclosing, unfinished compilation) are returned as deferred.
// The re-encoded length must equal the placeholder length exactly.
func (p *branchPatcher) patch(code *CodeBuffer) (deferred []PendingBranch, err error) {
	for _, pb := range p.pending {
		asm, rerr := pb.recompute()
		if rerr == errUnresolvedTarget {
			deferred = append(deferred, pb)
			continue
		}
		if rerr != nil {
			return nil, rerr
		}
		if asm.Len() != pb.length {
			return nil, fmt.Errorf("patch at %#x: encoding is %d bytes, placeholder was %d",
				pb.site, asm.Len(), pb.length)
		}
		werr := code.WriteAt(pb.site, func(cb *CodeBuffer) error {
			_, aerr := cb.Append(asm.Finalize(pb.site))
			return aerr
		})
		if werr != nil {
			return nil, werr
		}
	}
	p.pending = nil
	return deferred, nil
}
