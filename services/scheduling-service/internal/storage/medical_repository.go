package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/petlor/petlor-clinic/libs/db"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/model"
	"github.com/petlor/petlor-clinic/services/scheduling-service/internal/timeline"
)

// MedicalRepository reads a pet's profile and per-type history lists. The
// merged timeline is never materialized; callers rebuild it per fetch.
type MedicalRepository struct {
	pool *db.Pool
}

func NewMedicalRepository(pool *db.Pool) *MedicalRepository {
	return &MedicalRepository{pool: pool}
}

// PatientRecord bundles everything the medical-record endpoint returns.
type PatientRecord struct {
	Pet          model.Pet
	Vaccinations []timeline.VaccinationRecord
	Exams        []timeline.ExamRecord
	SpaServices  []timeline.SpaServiceRecord
	Alerts       []timeline.HealthAlert
}

func (r *MedicalRepository) GetPet(ctx context.Context, petID string) (model.Pet, error) {
	var pet model.Pet
	var birthDate *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, species, COALESCE(breed, ''), birth_date,
			COALESCE(health_note, ''), COALESCE(owner_id::text, '')
		FROM pets
		WHERE id = $1
	`, petID).Scan(&pet.ID, &pet.Name, &pet.Species, &pet.Breed, &birthDate, &pet.HealthNote, &pet.OwnerID)
	if err != nil {
		return model.Pet{}, err
	}
	pet.BirthDate = birthDate
	return pet, nil
}

func (r *MedicalRepository) GetPatientRecord(ctx context.Context, petID string) (PatientRecord, error) {
	pet, err := r.GetPet(ctx, petID)
	if err != nil {
		return PatientRecord{}, err
	}

	rec := PatientRecord{Pet: pet}
	if rec.Vaccinations, err = r.listVaccinations(ctx, petID); err != nil {
		return PatientRecord{}, err
	}
	if rec.Exams, err = r.listExams(ctx, petID); err != nil {
		return PatientRecord{}, err
	}
	if rec.SpaServices, err = r.listSpaServices(ctx, petID); err != nil {
		return PatientRecord{}, err
	}
	if rec.Alerts, err = r.listAlerts(ctx, petID); err != nil {
		return PatientRecord{}, err
	}
	return rec, nil
}

// VaccinationInsert is written when a medical appointment completes with a
// vaccination given.
type VaccinationInsert struct {
	PetID          string
	VaccineName    string
	GivenAt        time.Time
	NextDueDate    *time.Time
	Note           string
	AdministeredBy string
}

func (r *MedicalRepository) InsertVaccination(ctx context.Context, tx pgx.Tx, v VaccinationInsert) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO vaccinations (pet_id, vaccine_name, given_at, next_due_date, note, administered_by)
		VALUES ($1::uuid, $2, $3, $4, $5, NULLIF($6, '')::uuid)
	`, v.PetID, v.VaccineName, v.GivenAt, v.NextDueDate, v.Note, v.AdministeredBy)
	return err
}

func (r *MedicalRepository) listVaccinations(ctx context.Context, petID string) ([]timeline.VaccinationRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT v.given_at, v.vaccine_name, COALESCE(v.note, ''),
			COALESCE(s.name, ''), v.next_due_date
		FROM vaccinations v
		LEFT JOIN staff s ON s.id = v.administered_by
		WHERE v.pet_id = $1
	`, petID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []timeline.VaccinationRecord
	for rows.Next() {
		var rec timeline.VaccinationRecord
		if err := rows.Scan(&rec.Date, &rec.VaccineName, &rec.Note, &rec.AdministeredBy, &rec.NextDueDate); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *MedicalRepository) listExams(ctx context.Context, petID string) ([]timeline.ExamRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.examined_at, e.diagnosis, COALESCE(s.name, '')
		FROM exams e
		LEFT JOIN staff s ON s.id = e.examined_by
		WHERE e.pet_id = $1
	`, petID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []timeline.ExamRecord
	for rows.Next() {
		var rec timeline.ExamRecord
		if err := rows.Scan(&rec.Date, &rec.Diagnosis, &rec.Examiner); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *MedicalRepository) listSpaServices(ctx context.Context, petID string) ([]timeline.SpaServiceRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.used_at, u.service_name, COALESCE(u.note, ''), COALESCE(s.name, '')
		FROM spa_service_usages u
		LEFT JOIN staff s ON s.id = u.performed_by
		WHERE u.pet_id = $1
	`, petID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []timeline.SpaServiceRecord
	for rows.Next() {
		var rec timeline.SpaServiceRecord
		if err := rows.Scan(&rec.Date, &rec.ServiceName, &rec.Note, &rec.PerformedBy); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (r *MedicalRepository) listAlerts(ctx context.Context, petID string) ([]timeline.HealthAlert, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT created_at, content
		FROM health_alerts
		WHERE pet_id = $1
	`, petID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []timeline.HealthAlert
	for rows.Next() {
		var rec timeline.HealthAlert
		if err := rows.Scan(&rec.CreatedAt, &rec.Content); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
