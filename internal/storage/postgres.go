package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/migrations"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage.NewPostgresStore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage.NewPostgresStore: ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle, e.g. in tests.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies every pending embedded migration.
func (p *PostgresStore) Migrate(ctx context.Context) ([]*goose.MigrationResult, error) {
	return Migrate(ctx, p.db)
}

func Migrate(ctx context.Context, db *sql.DB) ([]*goose.MigrationResult, error) {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("storage.Migrate: provider: %w", err)
	}
	res, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.Migrate: up: %w", err)
	}
	return res, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) GetEvent(ctx context.Context, id int64) (models.Event, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		return models.Event{}, fmt.Errorf("storage.PostgresStore.GetEvent: event %d: %w", id, err)
	}
	return e, nil
}

func (p *PostgresStore) ListActiveEvents(ctx context.Context) ([]models.Event, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE is_archived = FALSE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresStore.ListActiveEvents: %w", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.PostgresStore.ListActiveEvents: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.PostgresStore.ListActiveEvents: rows: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (models.User, error) {
	var (
		u                  models.User
		smoking, talkative sql.NullBool
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_name, email, address, city, smoking, talkative FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email, &u.Address, &u.City, &smoking, &talkative)
	if err != nil {
		return models.User{}, fmt.Errorf("storage.PostgresStore.GetUser: user %d: %w", id, notFound(err))
	}
	u.Smoking = nullBool(smoking)
	u.Talkative = nullBool(talkative)
	return u, nil
}

func (p *PostgresStore) GetVehicle(ctx context.Context, id int64) (models.Vehicle, error) {
	var (
		v      models.Vehicle
		userID sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, brand, model, color, plate, max_passengers FROM vehicles WHERE id = $1`, id).
		Scan(&v.ID, &userID, &v.Brand, &v.Model, &v.Color, &v.Plate, &v.MaxPassengers)
	if err != nil {
		return models.Vehicle{}, fmt.Errorf("storage.PostgresStore.GetVehicle: vehicle %d: %w", id, notFound(err))
	}
	v.UserID = userID.Int64
	return v, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id int64) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, rideSelect+` WHERE r.id = $1`, id)
	r, err := scanRide(row)
	if err != nil {
		return models.Ride{}, fmt.Errorf("storage.PostgresStore.GetRide: ride %d: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) ListRidesByEvent(ctx context.Context, eventID int64) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, rideSelect+` WHERE r.event_id = $1 ORDER BY r.id`, eventID)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresStore.ListRidesByEvent: %w", err)
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.PostgresStore.ListRidesByEvent: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage.PostgresStore.ListRidesByEvent: rows: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) RideExists(ctx context.Context, eventID, userID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM rides WHERE event_id = $1 AND user_id = $2)`, eventID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage.PostgresStore.RideExists: %w", err)
	}
	return exists, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) (models.Ride, error) {
	var id int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO rides (event_id, user_id, vehicle_id, is_driver, can_be_driver, outlier,
			pickup_lat, pickup_long, pickup_radius, pickup_sequence, max_passengers, start_date_time, driver_ride_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		r.EventID, r.UserID, r.VehicleID, r.IsDriver, r.CanBeDriver, r.Outlier,
		r.PickupLat, r.PickupLong, r.PickupRadius, r.PickupSequence, r.MaxPassengers, r.StartDateTime, r.DriverRideID,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.Ride{}, fmt.Errorf("storage.PostgresStore.CreateRide: user %d event %d: %w", r.UserID, r.EventID, models.ErrAlreadyRegistered)
		}
		return models.Ride{}, fmt.Errorf("storage.PostgresStore.CreateRide: %w", err)
	}
	return p.GetRide(ctx, id)
}

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET
			vehicle_id = $2, is_driver = $3, can_be_driver = $4, outlier = $5,
			pickup_lat = $6, pickup_long = $7, pickup_radius = $8, pickup_sequence = $9,
			max_passengers = $10, start_date_time = $11, driver_ride_id = $12, updated_at = $13
		WHERE id = $1`,
		r.ID, r.VehicleID, r.IsDriver, r.CanBeDriver, r.Outlier,
		r.PickupLat, r.PickupLong, r.PickupRadius, r.PickupSequence,
		r.MaxPassengers, r.StartDateTime, r.DriverRideID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.SaveRide: ride %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.PostgresStore.SaveRide: ride %d: %w", r.ID, models.ErrNotFound)
	}
	return nil
}

// DeleteRide detaches dependents and removes the row in one transaction.
func (p *PostgresStore) DeleteRide(ctx context.Context, id int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.DeleteRide: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE rides SET driver_ride_id = NULL, updated_at = now() WHERE driver_ride_id = $1`, id); err != nil {
		return fmt.Errorf("storage.PostgresStore.DeleteRide: detach: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rides WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage.PostgresStore.DeleteRide: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.PostgresStore.DeleteRide: ride %d: %w", id, models.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.PostgresStore.DeleteRide: commit: %w", err)
	}
	return nil
}

const eventColumns = `id, title, description, address, latitude, longitude, start_date_time, end_date_time, register_deadline, is_archived`

const rideSelect = `
	SELECT r.id, r.event_id, r.user_id, r.vehicle_id, r.is_driver, r.can_be_driver, r.outlier,
		r.pickup_lat, r.pickup_long, r.pickup_radius, r.pickup_sequence, r.max_passengers,
		r.start_date_time, r.driver_ride_id, r.created_at, r.updated_at,
		v.id, v.brand, v.model, v.color, v.plate, v.max_passengers,
		u.username, u.first_name, u.last_name, u.email, u.address, u.city, u.smoking, u.talkative
	FROM rides r
	LEFT JOIN vehicles v ON v.id = r.vehicle_id
	LEFT JOIN users u ON u.id = r.user_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (models.Event, error) {
	var (
		e        models.Event
		deadline sql.NullTime
	)
	err := s.Scan(&e.ID, &e.Title, &e.Description, &e.Address, &e.Latitude, &e.Longitude,
		&e.StartDateTime, &e.EndDateTime, &deadline, &e.IsArchived)
	if err != nil {
		return models.Event{}, notFound(err)
	}
	if deadline.Valid {
		d := deadline.Time.UTC()
		e.RegisterDeadline = &d
	}
	e.StartDateTime = e.StartDateTime.UTC()
	e.EndDateTime = e.EndDateTime.UTC()
	return e, nil
}

func scanRide(s scanner) (models.Ride, error) {
	var (
		r                                   models.Ride
		vehicleID, driverRideID             sql.NullInt64
		lat, long, radius                   sql.NullFloat64
		seq, maxPassengers                  sql.NullInt32
		start                               sql.NullTime
		vID                                 sql.NullInt64
		vBrand, vModel, vColor, vPlate      sql.NullString
		vMax                                sql.NullInt32
		uName, uFirst, uLast, uEmail, uAddr sql.NullString
		uCity                               sql.NullString
		uSmoking, uTalkative                sql.NullBool
	)
	err := s.Scan(&r.ID, &r.EventID, &r.UserID, &vehicleID, &r.IsDriver, &r.CanBeDriver, &r.Outlier,
		&lat, &long, &radius, &seq, &maxPassengers,
		&start, &driverRideID, &r.CreatedAt, &r.UpdatedAt,
		&vID, &vBrand, &vModel, &vColor, &vPlate, &vMax,
		&uName, &uFirst, &uLast, &uEmail, &uAddr, &uCity, &uSmoking, &uTalkative)
	if err != nil {
		return models.Ride{}, notFound(err)
	}
	r.VehicleID = nullInt64(vehicleID)
	r.DriverRideID = nullInt64(driverRideID)
	r.PickupLat = nullFloat(lat)
	r.PickupLong = nullFloat(long)
	r.PickupRadius = nullFloat(radius)
	r.PickupSequence = nullInt(seq)
	r.MaxPassengers = nullInt(maxPassengers)
	if start.Valid {
		t := start.Time.UTC()
		r.StartDateTime = &t
	}
	if vID.Valid {
		r.Vehicle = &models.Vehicle{
			ID: vID.Int64, UserID: r.UserID,
			Brand: vBrand.String, Model: vModel.String, Color: vColor.String, Plate: vPlate.String,
			MaxPassengers: int(vMax.Int32),
		}
	}
	r.User = &models.User{
		ID: r.UserID, Username: uName.String, FirstName: uFirst.String, LastName: uLast.String,
		Email: uEmail.String, Address: uAddr.String, City: uCity.String,
		Smoking: nullBool(uSmoking), Talkative: nullBool(uTalkative),
	}
	return r, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt32) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int32)
	return &i
}

func nullBool(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	return &v.Bool
}
