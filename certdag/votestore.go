package certdag

import (
	"bytes"
	"encoding/binary"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// VoteStore durably records every vote this validator has issued, keyed by
// the voted-on node's production slot. A vote must be persisted before it is
// returned to a peer: the store is what prevents a restarted validator from
// signing a second, conflicting vote for a round it already voted on.
type VoteStore struct {
	db *leveldb.DB
}

// VoteEntry pairs a persisted vote with its key.
type VoteEntry struct {
	Id   NodeId
	Vote *Vote
}

// OpenVoteStore opens (or creates) a vote store at the given path.
func OpenVoteStore(path string) (*VoteStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open the vote store at %s", path)
	}
	return &VoteStore{db: db}, nil
}

// OpenInMemVoteStore opens a vote store backed by memory only. Used in tests.
func OpenInMemVoteStore() *VoteStore {
	db, err := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	if err != nil {
		panic(err)
	}
	return &VoteStore{db: db}
}

func (s *VoteStore) Close() error {
	return s.db.Close()
}

func voteKey(id NodeId) []byte {
	key := make([]byte, 16, 16+len(id.Author))
	binary.BigEndian.PutUint64(key[:8], id.Epoch)
	binary.BigEndian.PutUint64(key[8:16], id.Round)
	return append(key, id.Author...)
}

func decodeVoteKey(key []byte) (NodeId, error) {
	if len(key) < 16 {
		return NodeId{}, errors.Errorf("vote key is too short: %d bytes", len(key))
	}
	return NodeId{
		Epoch:  binary.BigEndian.Uint64(key[:8]),
		Round:  binary.BigEndian.Uint64(key[8:16]),
		Author: string(key[16:]),
	}, nil
}

// SaveVote persists one vote keyed by the voted-on node's id.
func (s *VoteStore) SaveVote(id NodeId, vote *Vote) error {
	buf := bytes.Buffer{}
	if err := codec.NewEncoder(&buf, &codec.MsgpackHandle{}).Encode(vote); err != nil {
		return errors.Wrap(err, "cannot encode the vote")
	}
	if err := s.db.Put(voteKey(id), buf.Bytes(), nil); err != nil {
		return errors.Wrapf(err, "cannot save the vote for round %d, author %s", id.Round, id.Author)
	}
	return nil
}

// GetVotes returns every persisted vote, across all epochs.
func (s *VoteStore) GetVotes() ([]VoteEntry, error) {
	var entries []VoteEntry
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		id, err := decodeVoteKey(iter.Key())
		if err != nil {
			return nil, err
		}
		var vote Vote
		if err := codec.NewDecoder(bytes.NewReader(iter.Value()), &codec.MsgpackHandle{}).Decode(&vote); err != nil {
			return nil, errors.Wrapf(err, "cannot decode the vote for round %d, author %s", id.Round, id.Author)
		}
		entries = append(entries, VoteEntry{Id: id, Vote: &vote})
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "cannot iterate over the vote store")
	}
	return entries, nil
}

// DeleteVotes removes the votes for the given ids in one batch.
func (s *VoteStore) DeleteVotes(ids []NodeId) error {
	if len(ids) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, id := range ids {
		batch.Delete(voteKey(id))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "cannot delete votes from the vote store")
	}
	return nil
}
