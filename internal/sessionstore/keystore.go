package sessionstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/solace-custody/musig-signerd/internal/curve"
	"github.com/solace-custody/musig-signerd/internal/protocol"
	"github.com/solace-custody/musig-signerd/internal/sealer"
)

// KeyShare is a node's half of a user's split signing key. SharePrivate is
// only populated when explicitly loaded for signing, never logged.
type KeyShare struct {
	EndUserPubkey string
	NodeID        int
	SharePublic   *curve.Point
	SharePrivate  *curve.Scalar
}

// CreateKeyShare inserts a new key share. Idempotent per (end_user_pubkey,
// node_id): a retry of an in-flight key generation after a crash does not
// fail, it is absorbed, so key generation can be safely retried without
// producing a duplicate or conflicting row.
func (s *Store) CreateKeyShare(share *KeyShare) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.sealer.Seal(share.SharePrivate.Bytes())
	if err != nil {
		return fmt.Errorf("sessionstore: seal key share: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO mpc_keys (
			end_user_pubkey, node_id, public_key,
			private_key_ciphertext, private_key_salt, private_key_nonce, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(end_user_pubkey, node_id) DO NOTHING
	`,
		share.EndUserPubkey, share.NodeID, protocol.EncodeBase58(share.SharePublic.Bytes()),
		sealed.Ciphertext, sealed.Salt, sealed.Nonce, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sessionstore: insert key share: %w", err)
	}
	return nil
}

// LoadKeyShare loads the full key share (including the decrypted private
// scalar) for one node's half of a user's key. Callers MUST zeroize
// SharePrivate's bytes once signing is complete.
func (s *Store) LoadKeyShare(endUserPubkey string, nodeID int) (*KeyShare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pubKeyStr string
	var ciphertext, salt, nonce []byte
	err := s.db.QueryRow(`
		SELECT public_key, private_key_ciphertext, private_key_salt, private_key_nonce
		FROM mpc_keys WHERE end_user_pubkey = ? AND node_id = ?
	`, endUserPubkey, nodeID).Scan(&pubKeyStr, &ciphertext, &salt, &nonce)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load key share: %w", err)
	}

	pubBytes, err := protocol.DecodeBase58(pubKeyStr)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: decode stored public key: %w", err)
	}
	pub, err := curve.DecodePoint(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: decode stored public key: %w", err)
	}

	plaintext, err := s.sealer.Open(&sealer.Sealed{Ciphertext: ciphertext, Salt: salt, Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: unseal key share: %w", err)
	}
	priv, err := curve.DecodeScalar(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: decode private scalar: %w", err)
	}

	return &KeyShare{
		EndUserPubkey: endUserPubkey,
		NodeID:        nodeID,
		SharePublic:   pub,
		SharePrivate:  priv,
	}, nil
}

// CreatePeerPublicKey records the other node's public key share locally, so
// that LoadPublicKeys can assemble the full two-party signer set without any
// node-to-node database access at session time. No private material exists
// for this row: the private key columns hold a sealed empty placeholder,
// never decoded as a real scalar because callers only ever LoadKeyShare
// their own node_id.
func (s *Store) CreatePeerPublicKey(endUserPubkey string, peerNodeID int, peerPublic *curve.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.sealer.Seal(nil)
	if err != nil {
		return fmt.Errorf("sessionstore: seal peer public key placeholder: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO mpc_keys (
			end_user_pubkey, node_id, public_key,
			private_key_ciphertext, private_key_salt, private_key_nonce, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(end_user_pubkey, node_id) DO NOTHING
	`,
		endUserPubkey, peerNodeID, protocol.EncodeBase58(peerPublic.Bytes()),
		sealed.Ciphertext, sealed.Salt, sealed.Nonce, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sessionstore: insert peer public key: %w", err)
	}
	return nil
}

// LoadPublicKeys returns both nodes' public shares for a user, ordered by
// node_id, for use in key aggregation and peer-message validation.
func (s *Store) LoadPublicKeys(endUserPubkey string) ([2]*curve.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out [2]*curve.Point
	rows, err := s.db.Query(`
		SELECT node_id, public_key FROM mpc_keys WHERE end_user_pubkey = ? ORDER BY node_id
	`, endUserPubkey)
	if err != nil {
		return out, fmt.Errorf("sessionstore: load public keys: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var nodeID int
		var pubKeyStr string
		if err := rows.Scan(&nodeID, &pubKeyStr); err != nil {
			return out, fmt.Errorf("sessionstore: scan public key: %w", err)
		}
		pubBytes, err := protocol.DecodeBase58(pubKeyStr)
		if err != nil {
			return out, fmt.Errorf("sessionstore: decode public key: %w", err)
		}
		pub, err := curve.DecodePoint(pubBytes)
		if err != nil {
			return out, fmt.Errorf("sessionstore: decode public key: %w", err)
		}
		if nodeID < 1 || nodeID > 2 {
			return out, fmt.Errorf("sessionstore: unexpected node_id %d", nodeID)
		}
		out[nodeID-1] = pub
		count++
	}
	if count != 2 {
		return out, ErrKeyNotFound
	}
	return out, nil
}
