package report

import (
	"bytes"
	"fmt"

	"github.com/signintech/gopdf"
)

// DejaVuSans covers Latin Extended, which Turkish patient names need.
var defaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

const pdfTextWidth = 500

func (s *Service) renderPDF(v planView) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("failed to load font for PDF: %v", fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 18); err != nil {
		return nil, err
	}
	pdf.Cell(nil, "Treatment plan")
	pdf.Br(28)

	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return nil, err
	}
	pdf.Cell(nil, fmt.Sprintf("Patient: %s", v.Name))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Specialty: %s", v.Specialty))
	pdf.Br(15)
	pdf.Cell(nil, fmt.Sprintf("Approved: %s", v.Date))
	pdf.Br(25)

	if err := writeSection(&pdf, "Assessment", v.Assessment); err != nil {
		return nil, err
	}
	if err := writeSection(&pdf, "Treatment plan", v.Treatment); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSection(pdf *gopdf.GoPdf, title string, paras []string) error {
	if err := pdf.SetFont("DejaVu", "", 14); err != nil {
		return err
	}
	pdf.Cell(nil, title)
	pdf.Br(18)
	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return err
	}
	for _, p := range paras {
		lines, err := pdf.SplitText(p, pdfTextWidth)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if pdf.GetY() > 800 {
				pdf.AddPage()
			}
			pdf.Cell(nil, l)
			pdf.Br(14)
		}
		pdf.Br(4)
	}
	pdf.Br(12)
	return nil
}
