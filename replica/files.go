package replica

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/types"
)

// AddFile records a file announced in a channel. The channel must be known.
// Announcing an identical file again is a no-op.
func (r *Replica) AddFile(f types.RemoteFile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[f.ChannelID]; !ok {
		return false, violation("Replica.AddFile", fmt.Errorf("%w: %d", ErrUnknownChannel, f.ChannelID),
			logrus.Fields{"channel_id": f.ChannelID, "file_id": f.ID})
	}
	files := r.files[f.ChannelID]
	if files == nil {
		files = make(map[types.FileID]types.RemoteFile)
		r.files[f.ChannelID] = files
	}
	if old, ok := files[f.ID]; ok && old == f {
		return false, nil
	}
	files[f.ID] = f
	return true, nil
}

// RemoveFile drops a file and returns what was known about it.
func (r *Replica) RemoveFile(ch types.ChannelID, id types.FileID) (types.RemoteFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[ch][id]
	if !ok {
		return types.RemoteFile{}, violation("Replica.RemoveFile", fmt.Errorf("%w: %d", ErrUnknownFile, id),
			logrus.Fields{"channel_id": ch, "file_id": id})
	}
	delete(r.files[ch], id)
	if len(r.files[ch]) == 0 {
		delete(r.files, ch)
	}
	return f, nil
}

// ChannelFiles returns the files of a channel ordered by id.
func (r *Replica) ChannelFiles(ch types.ChannelID) []types.RemoteFile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	files := r.files[ch]
	out := make([]types.RemoteFile, 0, len(files))
	for _, id := range slices.Sorted(maps.Keys(files)) {
		out = append(out, files[id])
	}
	return out
}
