package sessionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/solace-custody/musig-signerd/internal/curve"
	"github.com/solace-custody/musig-signerd/internal/musig2"
	"github.com/solace-custody/musig-signerd/internal/protocol"
	"github.com/solace-custody/musig-signerd/internal/sealer"
)

// Session is one node's view of an in-flight signing attempt. Its private
// nonces are sealed at rest; OurPublicNonces is derived from them on load,
// never stored separately.
type Session struct {
	SessionID        string
	EndUserPubkey    string
	OurPrivateNonces musig2.PrivateNonces
	OurPublicNonces  musig2.PublicNonces
	PeerAggMessage   *protocol.AggMessage1
	OurPartialSig    *musig2.PartialSignature
	Intent           protocol.SigningIntent
	Blockhash        [32]byte
	ExpiresAt        time.Time
}

// Create atomically inserts a new session row. Fails with
// ErrSessionAlreadyExists if session_id is already in use. Callers must call
// this before releasing the session's PublicNonces to any peer: this is the
// durable write that makes the private nonces recoverable, and must happen
// before anyone else can observe the public half.
func (s *Store) Create(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secretState := make([]byte, 0, 64)
	secretState = append(secretState, sess.OurPrivateNonces.R1.Bytes()...)
	secretState = append(secretState, sess.OurPrivateNonces.R2.Bytes()...)

	sealed, err := s.sealer.Seal(secretState)
	if err != nil {
		return fmt.Errorf("sessionstore: seal session state: %w", err)
	}

	intentJSON, err := json.Marshal(sess.Intent)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal intent: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO mpc_signing_sessions (
			session_id, end_user_pubkey,
			secret_state_ciphertext, secret_state_salt, secret_state_nonce,
			partial_sig, peer_agg_message, intent, blockhash, expires_at
		) VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?)
	`,
		sess.SessionID, sess.EndUserPubkey,
		sealed.Ciphertext, sealed.Salt, sealed.Nonce,
		string(intentJSON), protocol.EncodeBase58(sess.Blockhash[:]), sess.ExpiresAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSessionAlreadyExists
		}
		return fmt.Errorf("sessionstore: create session: %w", err)
	}
	return nil
}

// CreateFinalized atomically inserts a new session row whose partial
// signature and peer message are already populated. The node that never ran
// step1 for this session has no prior row to conditionally update the way
// RecordStep2 does, so creation and the anti-replay guard happen in the same
// insert: a retried call with the same session_id collides on the primary
// key instead of passing a conditional UPDATE, giving the same at-most-once
// guarantee RecordStep2 gives the step1 node.
func (s *Store) CreateFinalized(sess *Session, peerMsg protocol.AggMessage1, partialSig musig2.PartialSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	secretState := make([]byte, 0, 64)
	secretState = append(secretState, sess.OurPrivateNonces.R1.Bytes()...)
	secretState = append(secretState, sess.OurPrivateNonces.R2.Bytes()...)

	sealed, err := s.sealer.Seal(secretState)
	if err != nil {
		return fmt.Errorf("sessionstore: seal session state: %w", err)
	}

	intentJSON, err := json.Marshal(sess.Intent)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal intent: %w", err)
	}
	peerJSON, err := json.Marshal(peerMsg)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal peer agg message: %w", err)
	}
	sigStr := protocol.EncodeBase58(partialSig.Bytes())

	_, err = s.db.Exec(`
		INSERT INTO mpc_signing_sessions (
			session_id, end_user_pubkey,
			secret_state_ciphertext, secret_state_salt, secret_state_nonce,
			partial_sig, peer_agg_message, intent, blockhash, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sess.SessionID, sess.EndUserPubkey,
		sealed.Ciphertext, sealed.Salt, sealed.Nonce,
		sigStr, string(peerJSON), string(intentJSON), protocol.EncodeBase58(sess.Blockhash[:]), sess.ExpiresAt.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSessionAlreadyExists
		}
		return fmt.Errorf("sessionstore: create finalized session: %w", err)
	}
	return nil
}

// Load returns the session if and only if it exists and has not expired.
func (s *Store) Load(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(sessionID)
}

func (s *Store) load(sessionID string) (*Session, error) {
	var endUserPubkey, intentStr, blockhashStr string
	var ciphertext, salt, nonce []byte
	var partialSig, peerAggMessage sql.NullString
	var expiresAt int64

	err := s.db.QueryRow(`
		SELECT end_user_pubkey, secret_state_ciphertext, secret_state_salt, secret_state_nonce,
		       partial_sig, peer_agg_message, intent, blockhash, expires_at
		FROM mpc_signing_sessions WHERE session_id = ?
	`, sessionID).Scan(
		&endUserPubkey, &ciphertext, &salt, &nonce,
		&partialSig, &peerAggMessage, &intentStr, &blockhashStr, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore: load session: %w", err)
	}

	if time.Now().Unix() >= expiresAt {
		return nil, ErrSessionNotFound
	}

	secretState, err := s.sealer.Open(&sealer.Sealed{Ciphertext: ciphertext, Salt: salt, Nonce: nonce})
	if err != nil {
		return nil, fmt.Errorf("sessionstore: unseal session state: %w", err)
	}
	if len(secretState) != 64 {
		return nil, fmt.Errorf("sessionstore: corrupt session secret state")
	}
	r1, err := curve.DecodeScalar(secretState[:32])
	if err != nil {
		return nil, fmt.Errorf("sessionstore: decode r1: %w", err)
	}
	r2, err := curve.DecodeScalar(secretState[32:])
	if err != nil {
		return nil, fmt.Errorf("sessionstore: decode r2: %w", err)
	}
	privNonces := musig2.PrivateNonces{R1: r1, R2: r2}
	pubNonces := musig2.PublicNonces{
		R1: curve.ScalarBaseMult(r1),
		R2: curve.ScalarBaseMult(r2),
	}

	var intent protocol.SigningIntent
	if err := json.Unmarshal([]byte(intentStr), &intent); err != nil {
		return nil, fmt.Errorf("sessionstore: unmarshal intent: %w", err)
	}

	blockhashBytes, err := protocol.DecodeBase58(blockhashStr)
	if err != nil || len(blockhashBytes) != 32 {
		return nil, fmt.Errorf("sessionstore: decode blockhash: %w", err)
	}
	var blockhash [32]byte
	copy(blockhash[:], blockhashBytes)

	sess := &Session{
		SessionID:        sessionID,
		EndUserPubkey:    endUserPubkey,
		OurPrivateNonces: privNonces,
		OurPublicNonces:  pubNonces,
		Intent:           intent,
		Blockhash:        blockhash,
		ExpiresAt:        time.Unix(expiresAt, 0),
	}

	if peerAggMessage.Valid {
		var peer protocol.AggMessage1
		if err := json.Unmarshal([]byte(peerAggMessage.String), &peer); err != nil {
			return nil, fmt.Errorf("sessionstore: unmarshal peer agg message: %w", err)
		}
		sess.PeerAggMessage = &peer
	}
	if partialSig.Valid {
		sigBytes, err := protocol.DecodeBase58(partialSig.String)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: decode partial sig: %w", err)
		}
		decoded, err := musig2.DecodePartialSignature(sigBytes)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: decode partial sig: %w", err)
		}
		sess.OurPartialSig = &decoded
	}

	return sess, nil
}

// RecordStep2 conditionally records this node's partial signature and the
// peer's round-1 message, succeeding only if our_partial_sig is currently
// unset. This is the anti-nonce-reuse firewall on the step1 node, where
// combine_and_broadcast records its own partial signature through it: a
// retried call on the same session always fails the second time.
func (s *Store) RecordStep2(sessionID string, peerMsg protocol.AggMessage1, partialSig musig2.PartialSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peerJSON, err := json.Marshal(peerMsg)
	if err != nil {
		return fmt.Errorf("sessionstore: marshal peer agg message: %w", err)
	}
	sigStr := protocol.EncodeBase58(partialSig.Bytes())

	res, err := s.db.Exec(`
		UPDATE mpc_signing_sessions
		SET partial_sig = ?, peer_agg_message = ?
		WHERE session_id = ? AND partial_sig IS NULL AND expires_at > ?
	`, sigStr, string(peerJSON), sessionID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sessionstore: record step2: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessionstore: record step2: %w", err)
	}
	if n == 0 {
		// Either the session does not exist/has expired, or it was already
		// finalized. Distinguish them for accurate error reporting.
		existing, loadErr := s.load(sessionID)
		if loadErr != nil {
			return loadErr
		}
		if existing.OurPartialSig != nil {
			return ErrSessionAlreadyFinalized
		}
		return ErrSessionNotFound
	}
	return nil
}

// Close marks a session consumed. After Close, Load returns
// ErrSessionNotFound.
func (s *Store) Close(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM mpc_signing_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("sessionstore: close session: %w", err)
	}
	return nil
}

// SweepExpired deletes all sessions whose expires_at has passed, regardless
// of whether a signing attempt that created them might still be in flight:
// an expired session is unusable by definition. Returns the number of rows
// removed.
func (s *Store) SweepExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM mpc_signing_sessions WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sessionstore: sweep expired sessions: %w", err)
	}
	return res.RowsAffected()
}
