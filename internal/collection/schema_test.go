package collection

import (
	"encoding/json"
	"testing"

	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

func TestValidateDocumentOK(t *testing.T) {
	doc := Document{
		Version: DocumentVersion,
		Source:  "cat.png",
		Annotations: []annotation.Annotation{
			annotation.NewDraft(annotation.RectTarget("cat.png", shape.NewRect(0, 0, 10, 10))).ToAnnotation(),
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	if err := ValidateDocument(data); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
}

func TestValidateDocumentEmptyAnnotations(t *testing.T) {
	if err := ValidateDocument([]byte(`{"version":1,"source":"cat.png","annotations":[]}`)); err != nil {
		t.Errorf("empty annotation list rejected: %v", err)
	}
}

func TestValidateDocumentRejectsDraft(t *testing.T) {
	raw := `{
  "version": 1,
  "annotations": [
    {"id": "a1", "type": "Selection", "target": {"selector": {"type": "FragmentSelector", "value": "xywh=pixel:0,0,1,1"}}}
  ]
}`
	if err := ValidateDocument([]byte(raw)); err == nil {
		t.Error("draft annotation should be rejected")
	}
}

func TestValidateDocumentRejectsMissingID(t *testing.T) {
	raw := `{
  "version": 1,
  "annotations": [
    {"type": "Annotation", "target": {"selector": {"type": "FragmentSelector", "value": "xywh=pixel:0,0,1,1"}}}
  ]
}`
	if err := ValidateDocument([]byte(raw)); err == nil {
		t.Error("annotation without id should be rejected")
	}
}

func TestValidateDocumentRejectsUnknownSelector(t *testing.T) {
	raw := `{
  "version": 1,
  "annotations": [
    {"id": "a1", "type": "Annotation", "target": {"selector": {"type": "PointSelector", "value": "0,0"}}}
  ]
}`
	if err := ValidateDocument([]byte(raw)); err == nil {
		t.Error("unknown selector type should be rejected")
	}
}

func TestValidateDocumentRejectsWrongVersion(t *testing.T) {
	if err := ValidateDocument([]byte(`{"version":99,"annotations":[]}`)); err == nil {
		t.Error("unknown document version should be rejected")
	}
}

func TestValidateDocumentRejectsGarbage(t *testing.T) {
	if err := ValidateDocument([]byte("not json at all")); err == nil {
		t.Error("non-JSON input should be rejected")
	}
}
