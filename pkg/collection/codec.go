package collection

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/netstatsd/netstatsd/pkg/identity"
)

const (
	// magic identifies a netstatsd collection stream, mirroring the
	// teacher's sstable footer magic-number convention.
	magic          = uint64(0xC011EC71DEADBEEF)
	currentVersion = uint32(1)

	// footerSize is the trailing checksum-only footer; there is no index
	// to locate since a collection is read and written as one opaque
	// stream, never randomly accessed.
	footerSize = 8
	headerSize = 8 + 4 + 8 // magic + version + bucketDuration(ms)
)

// Write serializes the collection to w: header, then one block per key,
// then an xxhash-64 checksum trailer covering everything preceding it.
func (c *Collection) Write(w io.Writer) error {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	bucketDuration := c.bucketDuration
	dataCopy := make(map[Key]History, len(c.data))
	for k, v := range c.data {
		dataCopy[k] = append(History(nil), v...)
	}
	c.mu.Unlock()

	var buf bytes.Buffer

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], magic)
	binary.LittleEndian.PutUint32(header[8:12], currentVersion)
	binary.LittleEndian.PutUint64(header[12:20], uint64(bucketDuration))
	buf.Write(header)

	writeUint32(&buf, uint32(len(keys)))
	for _, key := range keys {
		writeKey(&buf, key)
		history := dataCopy[key]
		writeUint32(&buf, uint32(len(history)))
		for _, bucket := range history {
			writeBucket(&buf, bucket)
		}
	}

	checksum := xxhash.Sum64(buf.Bytes())
	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer, checksum)
	buf.Write(footer)

	_, err := w.Write(buf.Bytes())
	return err
}

// Read folds the stream's content into the collection, validating the
// magic number and checksum trailer. A corrupt or foreign stream surfaces
// as an error per spec.md §7 "stream that fails to deserialize raises
// filesystem error up to the caller". Read may be called more than once
// against the same collection — FileRotator.ReadMatching does exactly
// that, once per matching file, to accumulate the union of every managed
// file's content — so each call adds to whatever is already present
// rather than replacing it.
func (c *Collection) Read(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("collection: read stream: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	if len(raw) < headerSize+4+footerSize {
		return fmt.Errorf("collection: stream too small: %d bytes", len(raw))
	}

	body := raw[:len(raw)-footerSize]
	wantChecksum := binary.LittleEndian.Uint64(raw[len(raw)-footerSize:])
	gotChecksum := xxhash.Sum64(body)
	if wantChecksum != gotChecksum {
		return fmt.Errorf("collection: checksum mismatch: stream has %x, computed %x", wantChecksum, gotChecksum)
	}

	gotMagic := binary.LittleEndian.Uint64(body[0:8])
	if gotMagic != magic {
		return fmt.Errorf("collection: bad magic: %x, expected %x", gotMagic, magic)
	}
	version := binary.LittleEndian.Uint32(body[8:12])
	if version != currentVersion {
		return fmt.Errorf("collection: unsupported version %d", version)
	}
	bucketDuration := int64(binary.LittleEndian.Uint64(body[12:20]))

	cursor := headerSize
	numKeys, err := readUint32(body, &cursor)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bucketDuration <= 0 {
		c.bucketDuration = bucketDuration
	}

	for i := uint32(0); i < numKeys; i++ {
		key, err := readKey(body, &cursor)
		if err != nil {
			return err
		}
		numBuckets, err := readUint32(body, &cursor)
		if err != nil {
			return err
		}
		for j := uint32(0); j < numBuckets; j++ {
			bucket, err := readBucket(body, &cursor)
			if err != nil {
				return err
			}
			c.mergeBucketLocked(key, bucket)
		}
	}
	return nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func writeKey(buf *bytes.Buffer, key Key) {
	idBytes := []byte(key.IdentitySet)
	writeUint32(buf, uint32(len(idBytes)))
	buf.Write(idBytes)
	writeInt64(buf, int64(key.UID))
	writeInt64(buf, int64(key.SetKind))
	writeUint32(buf, key.Tag)
}

func writeBucket(buf *bytes.Buffer, b Bucket) {
	writeInt64(buf, b.Start)
	writeInt64(buf, b.End)
	writeInt64(buf, b.RxBytes)
	writeInt64(buf, b.RxPackets)
	writeInt64(buf, b.TxBytes)
	writeInt64(buf, b.TxPackets)
	writeInt64(buf, b.Operations)
}

func readUint32(data []byte, cursor *int) (uint32, error) {
	if *cursor+4 > len(data) {
		return 0, fmt.Errorf("collection: truncated stream reading uint32 at offset %d", *cursor)
	}
	v := binary.LittleEndian.Uint32(data[*cursor : *cursor+4])
	*cursor += 4
	return v, nil
}

func readInt64(data []byte, cursor *int) (int64, error) {
	if *cursor+8 > len(data) {
		return 0, fmt.Errorf("collection: truncated stream reading int64 at offset %d", *cursor)
	}
	v := int64(binary.LittleEndian.Uint64(data[*cursor : *cursor+8]))
	*cursor += 8
	return v, nil
}

func readKey(data []byte, cursor *int) (Key, error) {
	idLen, err := readUint32(data, cursor)
	if err != nil {
		return Key{}, err
	}
	if *cursor+int(idLen) > len(data) {
		return Key{}, fmt.Errorf("collection: truncated stream reading identity set at offset %d", *cursor)
	}
	idBytes := data[*cursor : *cursor+int(idLen)]
	*cursor += int(idLen)

	uid, err := readInt64(data, cursor)
	if err != nil {
		return Key{}, err
	}
	setKind, err := readInt64(data, cursor)
	if err != nil {
		return Key{}, err
	}
	tag, err := readUint32(data, cursor)
	if err != nil {
		return Key{}, err
	}

	return Key{
		IdentitySet: identity.Set(idBytes),
		UID:         int32(uid),
		SetKind:     identity.SetKind(setKind),
		Tag:         tag,
	}, nil
}

func readBucket(data []byte, cursor *int) (Bucket, error) {
	start, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}
	end, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}
	rxBytes, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}
	rxPackets, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}
	txBytes, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}
	txPackets, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}
	operations, err := readInt64(data, cursor)
	if err != nil {
		return Bucket{}, err
	}

	return Bucket{
		Start: start,
		End:   end,
		Entry: Entry{
			RxBytes:    rxBytes,
			RxPackets:  rxPackets,
			TxBytes:    txBytes,
			TxPackets:  txPackets,
			Operations: operations,
		},
	}, nil
}
