package domain

// Capability names probed at startup.
const (
	CapabilityOllamaVision  = "ollama-vision"
	CapabilityPDFText       = "pdf-text"
	CapabilityTesseract     = "tesseract"
	CapabilitySpreadsheet   = "spreadsheet"
	CapabilityHTML          = "html"
	CapabilityPlaintext     = "plaintext"
	CapabilityClassifierML  = "classifier-naive-bayes"
	CapabilityPDFRasterizer = "pdftoppm"
)

type Capability struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}
