// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package triestore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/layer"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

// View is a read-only snapshot of the store bound to a fixed root, optionally
// extended by the writes of an overlay. Later changes of the store are not
// visible through a view until it is rebound. Views keep the nodes of their
// root alive and have to be released when no longer needed.
type View struct {
	store    *Store
	mutex    sync.RWMutex
	block    uint64
	root     trie.NodeRef
	overlay  *layer.Overlay // nil if the view has no pending writes
	released bool
}

// AsReadOnly creates a view of the current head extended by the writes of
// the given overlay. The overlay is copied, a nil overlay is permitted.
func (s *Store) AsReadOnly(overlay *layer.Overlay) *View {
	block, root := s.head()
	if overlay != nil {
		overlay = overlay.Clone()
	}
	return s.register(&View{store: s, block: block, root: root, overlay: overlay})
}

// ViewAt creates a view of the state at the end of the given block, which
// has to be within the retained history.
func (s *Store) ViewAt(block uint64) (*View, error) {
	head, root := s.head()
	if block > head {
		return nil, fmt.Errorf("%w: block %d is beyond head %d", ErrInvalidBlock, block, head)
	}
	if block < head {
		hash, err := s.history.RootAt(block)
		if err != nil {
			return nil, err
		}
		root = trie.HashRef(hash)
	}
	return s.register(&View{store: s, block: block, root: root}), nil
}

func (s *Store) register(view *View) *View {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.views[view] = struct{}{}
	return view
}

func (s *Store) unregister(view *View) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.views, view)
}

func (v *View) snapshot() (uint64, trie.NodeRef, *layer.Overlay, error) {
	v.mutex.RLock()
	defer v.mutex.RUnlock()
	if v.released {
		return 0, trie.NodeRef{}, nil, ErrReleased
	}
	return v.block, v.root, v.overlay, nil
}

// Block returns the block the view is bound to.
func (v *View) Block() uint64 {
	v.mutex.RLock()
	defer v.mutex.RUnlock()
	return v.block
}

// Root returns the root the view is bound to.
func (v *View) Root() common.Hash {
	v.mutex.RLock()
	defer v.mutex.RUnlock()
	return v.root.Hash()
}

// GetLeaf returns the value of the given key.
func (v *View) GetLeaf(key common.Key) ([]byte, bool, error) {
	return v.getLeaf(key, v.store.accountRepair(key))
}

// GetStorage returns the value of a storage slot of an account.
func (v *View) GetStorage(account, slot common.Key) ([]byte, bool, error) {
	return v.getLeaf(common.StorageKey(account, slot), v.store.storageRepair(account, slot))
}

func (v *View) getLeaf(key common.Key, request repairRequest) ([]byte, bool, error) {
	block, root, overlay, err := v.snapshot()
	if err != nil {
		return nil, false, err
	}
	if overlay != nil {
		if value, touched := overlay.Get(key); touched {
			return value, len(value) > 0, nil
		}
	}
	value, found, err := trie.Get(v.store.nodes, root, key)
	if err == nil || !errors.Is(err, trie.ErrMissingNode) {
		return value, found, err
	}

	// Nodes of a historic root may be gone; the history then provides the
	// value if the key was modified since, otherwise the head has it. The
	// head has to be captured before consulting the history.
	_, head := v.store.head()
	value, found, histErr := v.store.history.GetLeaf(key, block)
	if histErr != nil {
		return nil, false, errors.Join(err, histErr)
	}
	if found {
		return value, len(value) > 0, nil
	}
	return v.store.get(head, key, request)
}

// GetInternalNode returns the commitment of the node located at the given
// path.
func (v *View) GetInternalNode(path trie.Path) (common.Hash, bool, error) {
	block, root, _, err := v.snapshot()
	if err != nil {
		return common.Hash{}, false, err
	}
	node, found, err := trie.GetNode(v.store.nodes, root, path)
	if err == nil {
		if !found {
			return common.Hash{}, false, nil
		}
		return node.Hash(), true, nil
	}
	if !errors.Is(err, trie.ErrMissingNode) {
		return common.Hash{}, false, err
	}
	_, head := v.store.head()
	hash, found, histErr := v.store.history.GetInternalNode(path, block)
	if histErr != nil {
		return common.Hash{}, false, errors.Join(err, histErr)
	}
	if found {
		return hash, hash != (common.Hash{}), nil
	}
	node, found, err = trie.GetNode(v.store.nodes, head, path)
	if err != nil || !found {
		return common.Hash{}, false, err
	}
	return node.Hash(), true, nil
}

// Rebind binds the view to the current head of the store. Writes of the
// view's overlay are retained.
func (v *View) Rebind() error {
	block, root := v.store.head()
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.released {
		return ErrReleased
	}
	if v.overlay != nil {
		overlay, err := v.overlay.Rebase(v.store.reader(root))
		if err != nil {
			return err
		}
		v.overlay = overlay
	}
	v.block, v.root = block, root
	return nil
}

// Release ends the view. Its nodes may be pruned afterwards.
func (v *View) Release() {
	v.mutex.Lock()
	v.released = true
	v.mutex.Unlock()
	v.store.unregister(v)
}
