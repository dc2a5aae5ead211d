package shmipc

import (
	"encoding/binary"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// delivered is one (writer, sequence, payload) triple, the unit spec.md §8's
// property-based harness compares as a multiset between what was sent and
// what each reader observed.
type delivered struct {
	writerID int
	seq      int
	payload  []byte
}

func byWriterThenSeq(d []delivered) []delivered {
	out := append([]delivered(nil), d...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].writerID != out[j].writerID {
			return out[i].writerID < out[j].writerID
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// planMessages deterministically generates each writer's payloads up front
// (rand.Rand is not safe for concurrent use, and the senders below run
// concurrently), embedding the writer id and sequence number as an 8-byte
// header so delivered messages can be matched back to their sender without
// needing to thread the library's internal cc_id through the public API.
func planMessages(rng *rand.Rand, numWriters, sendsPerWriter int) [][]delivered {
	plan := make([][]delivered, numWriters)
	for w := 0; w < numWriters; w++ {
		msgs := make([]delivered, sendsPerWriter)
		for seq := 0; seq < sendsPerWriter; seq++ {
			bodyLen := 1 + rng.Intn(256)
			payload := make([]byte, 8+bodyLen)
			binary.BigEndian.PutUint32(payload[0:4], uint32(w))
			binary.BigEndian.PutUint32(payload[4:8], uint32(seq))
			rng.Read(payload[8:])
			msgs[seq] = delivered{writerID: w, seq: seq, payload: payload}
		}
		plan[w] = msgs
	}
	return plan
}

func decode(payload []byte) delivered {
	return delivered{
		writerID: int(binary.BigEndian.Uint32(payload[0:4])),
		seq:      int(binary.BigEndian.Uint32(payload[4:8])),
		payload:  payload,
	}
}

// TestChannelPropertyBroadcastDelivery drives 1-8 concurrent writers and
// 1-16 concurrent readers on one channel, per spec.md §8's property-based
// harness, and asserts every reader observes the exact multiset of
// messages that were sent: with every reader connected before any send and
// well under the ring's 256-slot capacity in flight, no eviction should
// occur, so this is a strict equality rather than a "modulo evictions" one.
func TestChannelPropertyBroadcastDelivery(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	numWriters := 1 + rng.Intn(8)
	numReaders := 1 + rng.Intn(16)
	const sendsPerWriter = 4

	dir := t.TempDir()
	const name = "property-broadcast"

	writers := make([]*Channel, numWriters)
	for i := range writers {
		w, err := OpenChannelWriter(name, WithBaseDir(dir))
		require.NoError(t, err)
		defer w.Close()
		writers[i] = w
	}

	readers := make([]*Channel, numReaders)
	for i := range readers {
		r, err := OpenChannelReader(name, WithBaseDir(dir))
		require.NoError(t, err)
		defer r.Close()
		readers[i] = r
	}

	plan := planMessages(rng, numWriters, sendsPerWriter)

	var sent []delivered
	for _, msgs := range plan {
		sent = append(sent, msgs...)
	}
	wantByReader := byWriterThenSeq(sent)

	var sendGroup errgroup.Group
	for wi, w := range writers {
		w, msgs := w, plan[wi]
		sendGroup.Go(func() error {
			for _, m := range msgs {
				if err := w.Send(m.payload, time.Second); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, sendGroup.Wait())

	totalPerReader := numWriters * sendsPerWriter
	var recvGroup errgroup.Group
	got := make([][]delivered, numReaders)
	for ri, r := range readers {
		ri, r := ri, r
		recvGroup.Go(func() error {
			collected := make([]delivered, 0, totalPerReader)
			deadline := time.Now().Add(2 * time.Second)
			for len(collected) < totalPerReader && time.Now().Before(deadline) {
				payload, err := r.Recv(100 * time.Millisecond)
				if err != nil {
					if IsKind(err, KindTimedOut) {
						continue
					}
					return err
				}
				collected = append(collected, decode(payload))
			}
			got[ri] = byWriterThenSeq(collected)
			return nil
		})
	}
	require.NoError(t, recvGroup.Wait())

	for ri := range readers {
		if diff := cmp.Diff(wantByReader, got[ri], cmp.AllowUnexported(delivered{})); diff != "" {
			t.Errorf("reader %d: delivered multiset mismatch (-want +got):\n%s", ri, diff)
		}
	}
}
