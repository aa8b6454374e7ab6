package blocklayer

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func newTestContainer(t *testing.T, nBlocks uint64) *Container {
	t.Helper()
	path := filepath.Join(t.TempDir(), "container.img")
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if err := Initialise(path, key, 32); err != nil {
		t.Fatalf("initialise: %v", err)
	}
	c, err := Open(path, key, 32, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if nBlocks > 0 {
		if _, err := c.NewBlocks(nBlocks); err != nil {
			t.Fatalf("new_blocks: %v", err)
		}
	}
	return c
}

func randomPlaintext(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, LogBlockSize)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return buf
}

func TestWriteReadRoundTrip(t *testing.T) {
	c := newTestContainer(t, 1)
	data := randomPlaintext(t)

	token, err := c.WriteBlock(0, 0, data)
	if err != nil {
		t.Fatalf("write_block: %v", err)
	}

	got, gotToken, err := c.ReadBlockWithToken(0)
	if err != nil {
		t.Fatalf("read_block: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
	if gotToken != token {
		t.Fatalf("token mismatch: wrote %x read %x", token, gotToken)
	}

	var onDiskIV [IVSize]byte
	raw := make([]byte, IVSize)
	if _, err := c.file.ReadAt(raw, c.BlockStart(0)); err != nil {
		t.Fatalf("readat: %v", err)
	}
	copy(onDiskIV[:], raw)
	if onDiskIV != token {
		t.Fatalf("on-disk iv does not match returned token")
	}
}

func TestReadTwiceStableTokenWriteChangesIt(t *testing.T) {
	c := newTestContainer(t, 1)
	data := randomPlaintext(t)

	tok1, err := c.WriteBlock(0, 0, data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	c.ClearCache()

	p1, t1, err := c.ReadBlockWithToken(0)
	if err != nil {
		t.Fatalf("read 1: %v", err)
	}
	p2, t2, err := c.ReadBlockWithToken(0)
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if !bytes.Equal(p1, p2) || t1 != t2 {
		t.Fatalf("two reads of unchanged block disagree")
	}
	if t1 != tok1 {
		t.Fatalf("token drifted from write")
	}

	tok3, err := c.WriteBlock(0, 0, randomPlaintext(t))
	if err != nil {
		t.Fatalf("write 2: %v", err)
	}
	if tok3 == tok1 {
		t.Fatalf("token did not change after rewrite")
	}
}

func TestSwapBlocksInvolution(t *testing.T) {
	c := newTestContainer(t, 2)
	dataA := randomPlaintext(t)
	dataB := randomPlaintext(t)
	if _, err := c.WriteBlock(0, 0, dataA); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if _, err := c.WriteBlock(1, 0, dataB); err != nil {
		t.Fatalf("write b: %v", err)
	}

	if err := c.SwapBlocks(0, 0); err != nil {
		t.Fatalf("swap self: %v", err)
	}
	a, _ := c.ReadBlock(0)
	if !bytes.Equal(a, dataA) {
		t.Fatalf("swap(a,a) mutated block a")
	}

	if err := c.SwapBlocks(0, 1); err != nil {
		t.Fatalf("swap: %v", err)
	}
	a, _ = c.ReadBlock(0)
	b, _ := c.ReadBlock(1)
	if !bytes.Equal(a, dataB) || !bytes.Equal(b, dataA) {
		t.Fatalf("swap did not exchange contents")
	}

	if err := c.SwapBlocks(0, 1); err != nil {
		t.Fatalf("swap back: %v", err)
	}
	a, _ = c.ReadBlock(0)
	b, _ = c.ReadBlock(1)
	if !bytes.Equal(a, dataA) || !bytes.Equal(b, dataB) {
		t.Fatalf("double swap is not an involution")
	}
}

func TestWipeBlockReadsAsUninitialised(t *testing.T) {
	c := newTestContainer(t, 1)
	if _, err := c.WriteBlock(0, 0, randomPlaintext(t)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.WipeBlock(0); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	data, err := c.ReadBlock(0)
	if err != nil {
		t.Fatalf("read after wipe: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil (uninitialised) after wipe, got %d bytes", len(data))
	}
}

func TestPartialWriteBuffersThenFlushes(t *testing.T) {
	c := newTestContainer(t, 1)
	if _, err := c.WriteBlock(0, 10, []byte("hello")); err != nil {
		t.Fatalf("partial write: %v", err)
	}
	got, err := c.ReadBlock(0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got[10:15], []byte("hello")) {
		t.Fatalf("buffered partial write not visible before flush: %q", got[10:15])
	}
	if err := c.FlushWrites(nil); err != nil {
		t.Fatalf("flush: %v", err)
	}
	c.ClearCache()
	got, err = c.ReadBlock(0)
	if err != nil {
		t.Fatalf("read after flush: %v", err)
	}
	if !bytes.Equal(got[10:15], []byte("hello")) {
		t.Fatalf("flushed partial write lost: %q", got[10:15])
	}
}

func TestBlockVersionDetectsChange(t *testing.T) {
	c := newTestContainer(t, 1)
	tok, err := c.WriteBlock(0, 0, randomPlaintext(t))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	changed, cur, err := c.BlockVersion(0, tok)
	if err != nil {
		t.Fatalf("block_version: %v", err)
	}
	if changed || cur != tok {
		t.Fatalf("unexpected change report for unchanged block")
	}

	newTok, err := c.WriteBlock(0, 0, randomPlaintext(t))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	changed, cur, err = c.BlockVersion(0, tok)
	if err != nil {
		t.Fatalf("block_version 2: %v", err)
	}
	if !changed || cur != newTok {
		t.Fatalf("expected change to be reported")
	}
}

func TestOutOfRange(t *testing.T) {
	c := newTestContainer(t, 1)
	if _, err := c.ReadBlock(5); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestNewBlocksThenRemoveBlocksPurgesBuffer(t *testing.T) {
	c := newTestContainer(t, 2)
	if _, err := c.WriteBlock(1, 10, []byte("x")); err != nil {
		t.Fatalf("partial write: %v", err)
	}
	if err := c.RemoveBlocks(1); err != nil {
		t.Fatalf("remove_blocks: %v", err)
	}
	total, err := c.TotalBlocks()
	if err != nil {
		t.Fatalf("total_blocks: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 block remaining, got %d", total)
	}
}

func TestSharedToExclusiveUpgradeRejected(t *testing.T) {
	c := newTestContainer(t, 1)
	unlock, err := c.LockFile(false)
	if err != nil {
		t.Fatalf("shared lock: %v", err)
	}
	defer unlock()

	_, err = c.LockFile(true)
	if err == nil {
		t.Fatalf("expected WrongLockMode on shared->exclusive upgrade")
	}
}
