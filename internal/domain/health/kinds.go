package health

// Kind describes how one record type is stored: its table, the columns after
// the shared id/user_id/created_at, their ordering, a constructor that
// applies create-time defaults and a field list matching Columns.
type Kind[E Entity] struct {
	Name    string
	Table   string
	Columns []string
	OrderBy string
	New     func() E
	Fields  func(E) []any
}

var Conditions = Kind[*ChronicCondition]{
	Name:    "condition",
	Table:   "chronic_conditions",
	Columns: []string{"condition", "diagnosis_date", "severity", "notes"},
	OrderBy: "created_at DESC",
	New:     func() *ChronicCondition { return &ChronicCondition{} },
	Fields: func(c *ChronicCondition) []any {
		return []any{&c.Condition, &c.DiagnosisDate, &c.Severity, &c.Notes}
	},
}

var Allergies = Kind[*Allergy]{
	Name:    "allergy",
	Table:   "allergies",
	Columns: []string{"type", "name", "severity", "reaction", "notes"},
	OrderBy: "created_at DESC",
	New:     func() *Allergy { return &Allergy{} },
	Fields: func(a *Allergy) []any {
		return []any{&a.Type, &a.Name, &a.Severity, &a.Reaction, &a.Notes}
	},
}

var CurrentMedications = Kind[*CurrentMedication]{
	Name:    "current medication",
	Table:   "current_medications",
	Columns: []string{"name", "dosage", "frequency", "start_date", "end_date", "prescribed_by", "notes"},
	OrderBy: "created_at DESC",
	New:     func() *CurrentMedication { return &CurrentMedication{} },
	Fields: func(m *CurrentMedication) []any {
		return []any{&m.Name, &m.Dosage, &m.Frequency, &m.StartDate, &m.EndDate, &m.PrescribedBy, &m.Notes}
	},
}

var Insurances = Kind[*Insurance]{
	Name:    "insurance",
	Table:   "insurances",
	Columns: []string{"provider", "policy_number", "coverage_type", "start_date", "group_number", "end_date", "is_active"},
	OrderBy: "created_at DESC",
	New:     func() *Insurance { return &Insurance{IsActive: true} },
	Fields: func(i *Insurance) []any {
		return []any{&i.Provider, &i.PolicyNumber, &i.CoverageType, &i.StartDate, &i.GroupNumber, &i.EndDate, &i.IsActive}
	},
}

var Appointments = Kind[*Appointment]{
	Name:    "appointment",
	Table:   "appointments",
	Columns: []string{"doctor_name", "date", "time", "type", "hospital_name", "notes", "status"},
	OrderBy: "date ASC, time ASC",
	New:     func() *Appointment { return &Appointment{Status: AppointmentScheduled} },
	Fields: func(a *Appointment) []any {
		return []any{&a.DoctorName, &a.Date, &a.Time, &a.Type, &a.HospitalName, &a.Notes, &a.Status}
	},
}

var Records = Kind[*MedicalRecord]{
	Name:    "medical record",
	Table:   "medical_records",
	Columns: []string{"record_type", "title", "date", "description", "doctor_name", "hospital_name", "file_url"},
	OrderBy: "date DESC",
	New:     func() *MedicalRecord { return &MedicalRecord{} },
	Fields: func(r *MedicalRecord) []any {
		return []any{&r.RecordType, &r.Title, &r.Date, &r.Description, &r.DoctorName, &r.HospitalName, &r.FileURL}
	},
}
