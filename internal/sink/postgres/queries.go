package postgres

const (
	queryUpsertAggregate = `
		INSERT INTO cell_window_aggregates (
			cell_row, cell_col, window_start, window_end,
			event_count, completed_count, total_fare, min_fare, max_fare, avg_fare,
			last_update, finalized, emitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (cell_row, cell_col, window_start, window_end)
		DO UPDATE SET
			event_count     = EXCLUDED.event_count,
			completed_count = EXCLUDED.completed_count,
			total_fare      = EXCLUDED.total_fare,
			min_fare        = EXCLUDED.min_fare,
			max_fare        = EXCLUDED.max_fare,
			avg_fare        = EXCLUDED.avg_fare,
			last_update     = EXCLUDED.last_update,
			finalized       = EXCLUDED.finalized,
			emitted_at      = EXCLUDED.emitted_at
		WHERE NOT cell_window_aggregates.finalized
	`

	queryLatestAggregates = `
		SELECT
			cell_row, cell_col, window_start, window_end,
			event_count, completed_count, total_fare, min_fare, max_fare, avg_fare,
			last_update, finalized, emitted_at
		FROM cell_window_aggregates
		ORDER BY window_start DESC, cell_row ASC, cell_col ASC
		LIMIT $1
	`

	queryUpsertWatermark = `
		INSERT INTO watermark_checkpoints (name, watermark, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name)
		DO UPDATE SET
			watermark  = GREATEST(watermark_checkpoints.watermark, EXCLUDED.watermark),
			updated_at = EXCLUDED.updated_at
	`

	queryReadWatermark = `SELECT watermark FROM watermark_checkpoints WHERE name = $1`
)
