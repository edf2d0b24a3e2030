package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// FriendRequestOutcome is the result of SendFriendRequest. Only RequestSent
// and AlreadyPending answer the caller with a request_sent status; the rest
// are user errors.
type FriendRequestOutcome int

const (
	RequestSent FriendRequestOutcome = iota
	AlreadyPending
	AlreadyFriends
	SelfReference
	UnknownUser
)

// SendFriendRequest drives the absent → pending transition. Re-sending while
// a request is already pending is idempotent and reports AlreadyPending.
func (s *Store) SendFriendRequest(ctx context.Context, requester, requested int64) (FriendRequestOutcome, error) {
	if requester == requested {
		return SelfReference, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("send friend request: begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range []int64{requester, requested} {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM Users WHERE id = ?`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return UnknownUser, nil
		}
		if err != nil {
			return 0, fmt.Errorf("send friend request: check user: %w", err)
		}
	}

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM FriendRequests
		 WHERE requester_id = ? AND requested_id = ? AND status = 'pending'`,
		requester, requested,
	).Scan(&one)
	if err == nil {
		return AlreadyPending, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("send friend request: check pending: %w", err)
	}

	friends, err := areFriendsTx(ctx, tx, requester, requested)
	if err != nil {
		return 0, fmt.Errorf("send friend request: %w", err)
	}
	if friends {
		return AlreadyFriends, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO FriendRequests(requester_id, requested_id, status) VALUES(?, ?, 'pending')`,
		requester, requested,
	); err != nil {
		return 0, fmt.Errorf("send friend request: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("send friend request: commit: %w", err)
	}
	slog.Debug("friend request sent", "requester", requester, "requested", requested)
	return RequestSent, nil
}

// AcceptFriendRequest flips a pending request to accepted and inserts the
// single symmetric friendship row. Returns ErrNotFound when no pending
// request exists from requester to acceptor.
func (s *Store) AcceptFriendRequest(ctx context.Context, acceptor, requester int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accept friend request: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE FriendRequests SET status = 'accepted'
		 WHERE requester_id = ? AND requested_id = ? AND status = 'pending'`,
		requester, acceptor,
	)
	if err != nil {
		return fmt.Errorf("accept friend request: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	a, b := orderPair(acceptor, requester)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO Friends(user_id, friend_id) VALUES(?, ?)`,
		a, b,
	); err != nil {
		return fmt.Errorf("accept friend request: insert friendship: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("accept friend request: commit: %w", err)
	}
	slog.Debug("friend request accepted", "acceptor", acceptor, "requester", requester)
	return nil
}

// RejectFriendRequest drives pending → absent. Returns ErrNotFound when no
// pending request exists.
func (s *Store) RejectFriendRequest(ctx context.Context, requested, requester int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM FriendRequests
		 WHERE requester_id = ? AND requested_id = ? AND status = 'pending'`,
		requester, requested,
	)
	if err != nil {
		return fmt.Errorf("reject friend request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AreFriends reports the symmetric friendship predicate.
func (s *Store) AreFriends(ctx context.Context, a, b int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return false, fmt.Errorf("are friends: begin: %w", err)
	}
	defer tx.Rollback()
	return areFriendsTx(ctx, tx, a, b)
}

func areFriendsTx(ctx context.Context, tx *sql.Tx, a, b int64) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 WHERE EXISTS (
			SELECT 1 FROM Friends
			WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)
		) OR EXISTS (
			SELECT 1 FROM FriendRequests
			WHERE ((requester_id = ? AND requested_id = ?) OR (requester_id = ? AND requested_id = ?))
			AND status = 'accepted'
		)`,
		a, b, b, a, a, b, b, a,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("friends predicate: %w", err)
	}
	return true, nil
}

// ListFriends returns the user's friends from both sides of the friendship
// table plus any accepted request not yet materialized as a row.
func (s *Store) ListFriends(ctx context.Context, userID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name FROM Users WHERE id IN (
			SELECT friend_id FROM Friends WHERE user_id = ?
			UNION SELECT user_id FROM Friends WHERE friend_id = ?
			UNION SELECT requester_id FROM FriendRequests WHERE requested_id = ? AND status = 'accepted'
			UNION SELECT requested_id FROM FriendRequests WHERE requester_id = ? AND status = 'accepted'
		) ORDER BY id`,
		userID, userID, userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query friends: %w", err)
	}
	defer rows.Close()

	var friends []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan friend: %w", err)
		}
		friends = append(friends, u)
	}
	return friends, rows.Err()
}

// ListPendingRequests returns the users with a pending request addressed to
// userID.
func (s *Store) ListPendingRequests(ctx context.Context, userID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Users.id, Users.name
		 FROM Users JOIN FriendRequests ON Users.id = FriendRequests.requester_id
		 WHERE FriendRequests.requested_id = ? AND FriendRequests.status = 'pending'
		 ORDER BY Users.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		reqs = append(reqs, u)
	}
	return reqs, rows.Err()
}

// DeleteFriend drives accepted → absent from either side: the friendship row
// goes, and so does any residual request row in either direction. Returns
// the number of rows removed.
func (s *Store) DeleteFriend(ctx context.Context, a, b int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete friend: begin: %w", err)
	}
	defer tx.Rollback()

	var changed int64
	res, err := tx.ExecContext(ctx,
		`DELETE FROM Friends
		 WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
		a, b, b, a,
	)
	if err != nil {
		return 0, fmt.Errorf("delete friend: friendship: %w", err)
	}
	n, _ := res.RowsAffected()
	changed += n

	res, err = tx.ExecContext(ctx,
		`DELETE FROM FriendRequests
		 WHERE (requester_id = ? AND requested_id = ?) OR (requester_id = ? AND requested_id = ?)`,
		a, b, b, a,
	)
	if err != nil {
		return 0, fmt.Errorf("delete friend: requests: %w", err)
	}
	n, _ = res.RowsAffected()
	changed += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete friend: commit: %w", err)
	}
	return changed, nil
}

func orderPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}
