package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/kernelbus/internal/protocol"
)

// RecordKernelInfo stores info under documentURI, keyed by the info's
// lookup uri. When the kernel is already catalogued the stored descriptor
// is merged with info (see protocol.KernelInfo.Merge) and keeps its seq.
//
// An info without a lookup uri cannot be re-proxied and is rejected.
func (s *Store) RecordKernelInfo(ctx context.Context, documentURI string, info *protocol.KernelInfo) error {
	if info == nil {
		return errors.New("record kernel info: nil info")
	}
	lookup := info.LookupURI()
	if lookup == "" {
		return fmt.Errorf("record kernel info: %s has no uri", info.LocalName)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record kernel info: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx, `
		SELECT info FROM kernel_infos
		WHERE document_uri = ? AND lookup_uri = ?
	`, documentURI, lookup).Scan(&stored)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq, err := nextSeq(ctx, tx)
		if err != nil {
			return fmt.Errorf("record kernel info: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (uri, first_seq) VALUES (?, ?)
			ON CONFLICT(uri) DO NOTHING
		`, documentURI, seq); err != nil {
			return fmt.Errorf("record kernel info: %w", err)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("record kernel info: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kernel_infos (document_uri, lookup_uri, local_name, info, seq)
			VALUES (?, ?, ?, ?, ?)
		`, documentURI, lookup, info.LocalName, string(data), seq); err != nil {
			return fmt.Errorf("record kernel info: %w", err)
		}

	case err != nil:
		return fmt.Errorf("record kernel info: %w", err)

	default:
		var existing protocol.KernelInfo
		if err := json.Unmarshal([]byte(stored), &existing); err != nil {
			return fmt.Errorf("record kernel info: corrupt row for %s: %w", lookup, err)
		}
		existing.Merge(info)
		data, err := json.Marshal(&existing)
		if err != nil {
			return fmt.Errorf("record kernel info: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE kernel_infos SET info = ?
			WHERE document_uri = ? AND lookup_uri = ?
		`, string(data), documentURI, lookup); err != nil {
			return fmt.Errorf("record kernel info: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record kernel info: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE catalog_clock SET seq = seq + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("advance clock: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM catalog_clock WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return seq, nil
}

// KernelInfos returns the kernels catalogued for documentURI in the order
// they were first recorded. An unknown document yields an empty slice.
func (s *Store) KernelInfos(ctx context.Context, documentURI string) ([]*protocol.KernelInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lookup_uri, info FROM kernel_infos
		WHERE document_uri = ?
		ORDER BY seq ASC, lookup_uri COLLATE BINARY ASC
	`, documentURI)
	if err != nil {
		return nil, fmt.Errorf("query kernel infos: %w", err)
	}
	defer rows.Close()

	infos := []*protocol.KernelInfo{}
	for rows.Next() {
		var lookup, data string
		if err := rows.Scan(&lookup, &data); err != nil {
			return nil, fmt.Errorf("scan kernel info: %w", err)
		}
		info := &protocol.KernelInfo{}
		if err := json.Unmarshal([]byte(data), info); err != nil {
			return nil, fmt.Errorf("corrupt row for %s: %w", lookup, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kernel infos: %w", err)
	}
	return infos, nil
}

// Documents lists the catalogued document uris in first-seen order.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri FROM documents
		ORDER BY first_seq ASC, uri COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// ForgetDocument removes documentURI and its kernels. It reports how many
// kernel rows were removed.
func (s *Store) ForgetDocument(ctx context.Context, documentURI string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("forget document: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM kernel_infos WHERE document_uri = ?`, documentURI)
	if err != nil {
		return 0, fmt.Errorf("forget document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("forget document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE uri = ?`, documentURI); err != nil {
		return 0, fmt.Errorf("forget document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("forget document: %w", err)
	}
	return n, nil
}
