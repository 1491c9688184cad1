package healthcard

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"
)

const qrImageName = "healthcard-qr"

// PDF writes a one-page A4 health card for the user to w
func (s *Service) PDF(ctx context.Context, userID string, w io.Writer) error {
	sum, err := s.Summary(ctx, userID)
	if err != nil {
		return err
	}
	qr, err := s.QR(userID)
	if err != nil {
		return err
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Health card", true)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.RegisterImageOptionsReader(qrImageName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(qr))
	pdf.ImageOptions(qrImageName, 160, 10, 40, 40, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, s.DetailsURL(userID))

	pdf.SetFont("Helvetica", "B", 20)
	pdf.Cell(0, 12, tr(sum.Name))
	pdf.Ln(14)

	pdf.SetFont("Helvetica", "", 11)
	profile := []string{
		"Blood group: " + orDash(sum.BloodGroup),
		"Gender: " + orDash(sum.Gender),
	}
	if sum.Age != nil {
		profile = append(profile, fmt.Sprintf("Age: %d", *sum.Age))
	} else {
		profile = append(profile, "Age: -")
	}
	for _, line := range profile {
		pdf.Cell(0, 6, tr(line))
		pdf.Ln(6)
	}
	pdf.Ln(10)

	section(pdf, tr, "Chronic conditions", sum.Conditions)

	allergies := make([]string, 0, len(sum.Allergies))
	for _, a := range sum.Allergies {
		line := fmt.Sprintf("%s (%s)", a.Name, a.Type)
		if a.Severity != "" {
			line += ", " + a.Severity
		}
		allergies = append(allergies, line)
	}
	section(pdf, tr, "Allergies", allergies)

	meds := make([]string, 0, len(sum.ActiveMedications))
	for _, m := range sum.ActiveMedications {
		meds = append(meds, fmt.Sprintf("%s %s, %s, %s", m.Name, m.Dosage, m.Frequency, m.When))
	}
	section(pdf, tr, "Active medications", meds)

	appts := make([]string, 0, len(sum.Appointments))
	for _, a := range sum.Appointments {
		line := fmt.Sprintf("%s %s  %s with %s", a.Date, a.Time, a.Type, a.DoctorName)
		if a.HospitalName != "" {
			line += " at " + a.HospitalName
		}
		appts = append(appts, line)
	}
	section(pdf, tr, "Upcoming appointments", appts)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	return nil
}

func section(pdf *fpdf.Fpdf, tr func(string) string, title string, lines []string) {
	pdf.SetFont("Helvetica", "B", 13)
	pdf.Cell(0, 8, tr(title))
	pdf.Ln(9)

	pdf.SetFont("Helvetica", "", 11)
	if len(lines) == 0 {
		lines = []string{"None recorded"}
	}
	for _, line := range lines {
		pdf.MultiCell(0, 6, tr("- "+line), "", "L", false)
	}
	pdf.Ln(4)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
