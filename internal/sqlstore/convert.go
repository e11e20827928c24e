package sqlstore

import (
	"database/sql"
	"errors"
	"time"
)

// isNoRows reports whether err is sql.ErrNoRows, the sentinel sqlx.Get
// returns when a query matches zero rows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// toNullString converts an empty string to a SQL NULL, matching the
// nullable-scalar convention a caller expects when a column is optional.
func toNullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func fromNullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func toNullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
