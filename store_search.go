package speedfile

import (
	"time"
)

type TransferStatistics struct {
	Count     int64
	Completed int64
	Aborted   int64
	TotalSize int64 // bytes actually written
}

// Retrieve stream statistics for a given client address. If no address is
// given, the global statistics will be given. Only streams are counted, not
// index views or errors.
func GetTransferStatistics(remote string, config *Config) (*TransferStatistics, error) {
	db, err := config.OpenDb()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	var result TransferStatistics
	query := "SELECT COUNT(*), IFNULL(SUM(completed), 0), IFNULL(SUM(written), 0) FROM transfers WHERE requested > 0"
	args := []any{}
	if remote != "" {
		query += " AND remote = ?"
		args = append(args, remote)
	}
	err = db.QueryRow(query, args...).Scan(&result.Count, &result.Completed, &result.TotalSize)
	if err != nil {
		return nil, err
	}
	result.Aborted = result.Count - result.Completed
	return &result, nil
}

// Return the most recent stream transfers, newest first
func GetRecentTransfers(page int, perpage int, config *Config) ([]*TransferRecord, error) {
	skip := perpage * page
	db, err := config.OpenDb()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(
		`SELECT reqid,remote,method,path,status,agent,requested,written,started,finished,completed,error
     FROM transfers WHERE requested > 0 ORDER BY tid DESC LIMIT ? OFFSET ?`,
		perpage, skip,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*TransferRecord, 0, perpage)
	for rows.Next() {
		var rec TransferRecord
		var requested, written, started, finished int64
		err := rows.Scan(&rec.RequestID, &rec.RemoteAddr, &rec.Method, &rec.Path, &rec.Status,
			&rec.UserAgent, &requested, &written, &started, &finished, &rec.Completed, &rec.Err)
		if err != nil {
			return nil, err
		}
		rec.Requested = uint64(requested)
		rec.Written = uint64(written)
		rec.Start = time.UnixMilli(started)
		rec.End = time.UnixMilli(finished)
		result = append(result, &rec)
	}

	return result, rows.Err()
}
