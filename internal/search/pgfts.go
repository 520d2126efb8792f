package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated fts column of the controls
// table. Only completed controls are searchable.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the remote store is down too.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.CompanyID == "" {
		return nil, 0, nil
	}
	limit, offset := bounds(q)

	where := "c.collection = 'completed' AND c.company_id = $2 AND c.fts @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.CompanyID}
	if q.ProjectID != "" {
		where += " AND c.project_id = $3"
		args = append(args, q.ProjectID)
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM controls c WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.id, c.project_id, c.control_type,
			coalesce(c.payload->>'status', ''),
			coalesce(c.payload->>'date', ''),
			coalesce(c.payload->'project'->>'name', ''),
			ts_headline('simple',
				coalesce(c.payload->>'description', '') || ' ' || coalesce(c.payload->>'notes', ''),
				plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30')
		FROM controls c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('simple', $1)) DESC, c.saved_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var projectName string
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Type, &r.Status, &r.Date, &projectName, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Title = strings.TrimSpace(strings.Join([]string{r.Type, projectName, r.Date}, " "))
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every completed control for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ControlRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT company_id, payload
		FROM controls
		WHERE collection = 'completed'
	`)
	if err != nil {
		return nil, fmt.Errorf("load controls: %w", err)
	}
	defer rows.Close()

	records := make([]ControlRecord, 0)
	for rows.Next() {
		var companyID string
		var payload []byte
		if err := rows.Scan(&companyID, &payload); err != nil {
			return nil, fmt.Errorf("scan control: %w", err)
		}
		record, err := recordFromPayload(companyID, payload)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate controls: %w", err)
	}
	return records, nil
}

func bounds(q Query) (int, int) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
