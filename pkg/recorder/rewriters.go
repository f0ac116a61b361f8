package recorder

import (
	"io"
	"time"

	"github.com/netstatsd/netstatsd/pkg/collection"
	"github.com/netstatsd/netstatsd/pkg/rotator"
)

var (
	_ rotator.Rewriter = (*CombiningRewriter)(nil)
	_ rotator.Rewriter = (*RemoveUidRewriter)(nil)
	_ rotator.Rewriter = (*RemoveUidsRewriter)(nil)
)

// CombiningRewriter folds a supplied collection's content into whatever is
// already on disk, then consumes the supplied collection. Reset is a no-op
// (spec.md §4.5). Because Write empties the supplied collection, within one
// RewriteAll pass only the first file written receives its content; later
// files are rewritten with their own content unchanged.
type CombiningRewriter struct {
	pending *collection.Collection
}

// NewCombiningRewriter wraps pending for use as a rotator.Rewriter.
func NewCombiningRewriter(pending *collection.Collection) *CombiningRewriter {
	return &CombiningRewriter{pending: pending}
}

func (c *CombiningRewriter) Reset() {}

func (c *CombiningRewriter) Read(r io.Reader) error {
	onDisk := collection.New(time.Millisecond)
	if err := onDisk.Read(r); err != nil {
		return err
	}
	c.pending.RecordCollection(onDisk)
	return nil
}

func (c *CombiningRewriter) ShouldWrite() bool { return true }

func (c *CombiningRewriter) Write(w io.Writer) error {
	if err := c.pending.Write(w); err != nil {
		return err
	}
	c.pending.Reset()
	return nil
}

// RemoveUidRewriter rewrites a file with every entry belonging to uid
// stripped out, leaving files that never mentioned uid untouched (the
// dirty gate in ShouldWrite saves a rewrite + fsync per unaffected file).
type RemoveUidRewriter struct {
	bucketDuration time.Duration
	uid            int32
	temp           *collection.Collection
}

// NewRemoveUidRewriter creates a rewriter that removes every entry for uid,
// using bucketDuration to construct the scratch collection it reads into.
func NewRemoveUidRewriter(bucketDuration time.Duration, uid int32) *RemoveUidRewriter {
	return &RemoveUidRewriter{bucketDuration: bucketDuration, uid: uid}
}

func (r *RemoveUidRewriter) Reset() {
	r.temp = collection.New(r.bucketDuration)
}

func (r *RemoveUidRewriter) Read(reader io.Reader) error {
	if err := r.temp.Read(reader); err != nil {
		return err
	}
	r.temp.ClearDirty()
	r.temp.RemoveUID(r.uid)
	return nil
}

func (r *RemoveUidRewriter) ShouldWrite() bool {
	return r.temp.IsDirty()
}

func (r *RemoveUidRewriter) Write(w io.Writer) error {
	return r.temp.Write(w)
}

// RemoveUidsRewriter is RemoveUidRewriter's batch counterpart: it strips
// every entry belonging to any of several uids in a single rewrite pass per
// file, matching the original recorder's handling of package-removal
// broadcasts that name more than one uid at once.
type RemoveUidsRewriter struct {
	bucketDuration time.Duration
	uids           []int32
	temp           *collection.Collection
}

// NewRemoveUidsRewriter creates a rewriter that removes every entry for any
// uid in uids.
func NewRemoveUidsRewriter(bucketDuration time.Duration, uids []int32) *RemoveUidsRewriter {
	return &RemoveUidsRewriter{bucketDuration: bucketDuration, uids: uids}
}

func (r *RemoveUidsRewriter) Reset() {
	r.temp = collection.New(r.bucketDuration)
}

func (r *RemoveUidsRewriter) Read(reader io.Reader) error {
	if err := r.temp.Read(reader); err != nil {
		return err
	}
	r.temp.ClearDirty()
	for _, uid := range r.uids {
		r.temp.RemoveUID(uid)
	}
	return nil
}

func (r *RemoveUidsRewriter) ShouldWrite() bool {
	return r.temp.IsDirty()
}

func (r *RemoveUidsRewriter) Write(w io.Writer) error {
	return r.temp.Write(w)
}
