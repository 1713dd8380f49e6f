package spec

// Service is the custom type naming a metered document operation
type Service string

// Define the closed set of document operations subject to metering
const (
	ServiceMergePDF    Service = "merge-pdf"
	ServiceSplitPDF    Service = "split-pdf"
	ServiceCompressPDF Service = "compress-pdf"
	ServiceRotatePDF   Service = "rotate-pdf"
	ServiceWatermark   Service = "watermark-pdf"
	ServiceSignPDF     Service = "sign-pdf"
	ServiceProtectPDF  Service = "protect-pdf"
	ServiceUnlockPDF   Service = "unlock-pdf"
	ServicePDFToWord   Service = "pdf-to-word"
	ServiceWordToPDF   Service = "word-to-pdf"
	ServicePDFToImage  Service = "pdf-to-image"
	ServiceImageToPDF  Service = "image-to-pdf"
	ServiceHTMLToPDF   Service = "html-to-pdf"
	ServiceOCRPDF      Service = "ocr-pdf"
	ServiceTranslate   Service = "translate-pdf"
)

// Services lists every operation in the catalog. Plans must declare a quota
// for each one of these.
var Services = []Service{
	ServiceMergePDF,
	ServiceSplitPDF,
	ServiceCompressPDF,
	ServiceRotatePDF,
	ServiceWatermark,
	ServiceSignPDF,
	ServiceProtectPDF,
	ServiceUnlockPDF,
	ServicePDFToWord,
	ServiceWordToPDF,
	ServicePDFToImage,
	ServiceImageToPDF,
	ServiceHTMLToPDF,
	ServiceOCRPDF,
	ServiceTranslate,
}

var serviceSet = func() map[Service]struct{} {
	m := make(map[Service]struct{}, len(Services))
	for _, s := range Services {
		m[s] = struct{}{}
	}
	return m
}()

// ValidService reports whether name is part of the operation catalog. Both the
// entitlement resolver and plan mutations go through this check so the enum is
// enforced in exactly one place.
func ValidService(name string) bool {
	_, ok := serviceSet[Service(name)]
	return ok
}
