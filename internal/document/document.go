package document

import (
	"encoding/base64"
	"fmt"
)

// Document formats accepted by the documents/create endpoint.
const (
	FormatManual = "MANUAL"
	FormatXML    = "XML"
	FormatCSV    = "CSV"
)

// TypeIntroduceGoods is the "goods produced in Russia" document type.
const TypeIntroduceGoods = "LP_INTRODUCE_GOODS"

// Document is the payload POSTed to the documents/create endpoint.
// Signature is filled in by the pipeline right before transmission.
type Document struct {
	DocumentFormat  string `json:"document_format"`
	ProductDocument string `json:"product_document"` // base64 encoded body
	ProductGroup    string `json:"product_group"`
	Signature       string `json:"signature"`
	Type            string `json:"type"`
}

// NewIntroduceGoods builds an LP_INTRODUCE_GOODS document from a raw body.
func NewIntroduceGoods(format, productGroup string, body []byte) Document {
	return Document{
		DocumentFormat:  format,
		ProductDocument: EncodeBody(body),
		ProductGroup:    productGroup,
		Type:            TypeIntroduceGoods,
	}
}

// EncodeBody encodes a raw product document the way the API expects it.
func EncodeBody(body []byte) string {
	return base64.StdEncoding.EncodeToString(body)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Validate checks the fields the pipeline depends on. The product group
// routes the request, so it must be present.
func (d Document) Validate() error {
	if d.ProductGroup == "" {
		return fmt.Errorf("product_group is required")
	}
	if d.DocumentFormat == "" {
		return fmt.Errorf("document_format is required")
	}
	return nil
}

// WithSignature returns a copy of d carrying signature.
func (d Document) WithSignature(signature string) Document {
	d.Signature = signature
	return d
}
