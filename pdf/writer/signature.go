package writer

import (
	"errors"
	"fmt"
	"time"

	"github.com/georgepadayatti/gopdfsign/pdf/generic"
)

// Errors returned while registering a placeholder.
var (
	ErrPlaceholderExists = errors.New("signature placeholder already registered")
	ErrFieldNameTaken    = errors.New("signature field name already in use")
)

// SignatureField carries the declared metadata of a new signature.
type SignatureField struct {
	// FieldName is the /T of the form field; "SignatureN" when empty.
	FieldName   string
	PageIndex   int
	Filter      string
	SubFilter   string
	Name        string
	Location    string
	Reason      string
	ContactInfo string
	SigningTime time.Time
	// ContentsSize is the number of signature bytes reserved.
	ContentsSize int
}

// SignaturePlaceholder is the handle returned by RegisterSignaturePlaceholder.
type SignaturePlaceholder struct {
	FieldName    string
	FieldRef     generic.Reference
	SigDictRef   generic.Reference
	ContentsSize int

	byteRange  *byteRangeObject
	contents   *contentsObject
	descriptor ByteRangeDescriptor
}

// ByteRange returns the descriptor computed during serialization.
func (p *SignaturePlaceholder) ByteRange() ByteRangeDescriptor {
	return p.descriptor
}

// RegisterSignaturePlaceholder adds a signature dictionary with blank
// /ByteRange and /Contents entries, an invisible widget on the target page
// and the matching AcroForm field. Only one placeholder per update is allowed.
func (w *IncrementalWriter) RegisterSignaturePlaceholder(field SignatureField) (*SignaturePlaceholder, error) {
	if w.placeholder != nil {
		return nil, ErrPlaceholderExists
	}
	if w.serialized {
		return nil, ErrAlreadySerialized
	}
	if field.ContentsSize <= 0 {
		return nil, fmt.Errorf("contents size must be positive, got %d", field.ContentsSize)
	}
	pageRef, err := w.reader.PageRef(field.PageIndex)
	if err != nil {
		return nil, err
	}
	page, ok := w.Resolve(pageRef).(*generic.DictionaryObject)
	if !ok {
		return nil, fmt.Errorf("page %d is not a dictionary", field.PageIndex)
	}

	form, formRef, err := w.acroForm()
	if err != nil {
		return nil, err
	}
	fields, fieldsRef := w.arrayEntry(form, "Fields")

	name, err := w.fieldName(fields, field.FieldName)
	if err != nil {
		return nil, err
	}

	br := &byteRangeObject{}
	contents := &contentsObject{size: field.ContentsSize}
	sig := generic.NewDictionary()
	sig.Set("Type", generic.NameObject("Sig"))
	sig.Set("Filter", generic.NameObject(field.Filter))
	sig.Set("SubFilter", generic.NameObject(field.SubFilter))
	if field.Name != "" {
		sig.Set("Name", generic.NewTextString(field.Name))
	}
	if field.Location != "" {
		sig.Set("Location", generic.NewTextString(field.Location))
	}
	if field.Reason != "" {
		sig.Set("Reason", generic.NewTextString(field.Reason))
	}
	if field.ContactInfo != "" {
		sig.Set("ContactInfo", generic.NewTextString(field.ContactInfo))
	}
	sig.Set("M", generic.NewLiteralString(generic.FormatDate(field.SigningTime)))
	sig.Set("ByteRange", br)
	sig.Set("Contents", contents)
	sigRef := w.AddObject(sig)

	widget := generic.NewDictionary()
	widget.Set("Type", generic.NameObject("Annot"))
	widget.Set("Subtype", generic.NameObject("Widget"))
	widget.Set("FT", generic.NameObject("Sig"))
	widget.Set("T", generic.NewTextString(name))
	widget.Set("V", sigRef)
	widget.Set("F", generic.IntegerObject(132)) // Print | Locked
	widget.Set("Rect", generic.ArrayObject{generic.IntegerObject(0), generic.IntegerObject(0), generic.IntegerObject(0), generic.IntegerObject(0)})
	widget.Set("P", pageRef)
	widgetRef := w.AddObject(widget)

	// Fields array
	fields = append(append(generic.ArrayObject{}, fields...), widgetRef)
	if fieldsRef != nil {
		w.UpdateObject(*fieldsRef, fields)
	} else {
		form.Set("Fields", fields)
	}
	flags, _ := form.GetInt("SigFlags")
	form.Set("SigFlags", generic.IntegerObject(flags|3)) // SignaturesExist | AppendOnly
	if formRef != nil {
		w.UpdateObject(*formRef, form)
	} else {
		root := w.root()
		root.Set("AcroForm", form)
		w.UpdateObject(w.reader.RootRef, root)
	}

	// Page annotations
	page = page.Clone()
	annots, annotsRef := w.arrayEntry(page, "Annots")
	annots = append(append(generic.ArrayObject{}, annots...), widgetRef)
	if annotsRef != nil {
		w.UpdateObject(*annotsRef, annots)
	} else {
		page.Set("Annots", annots)
		w.UpdateObject(pageRef, page)
	}

	w.placeholder = &SignaturePlaceholder{
		FieldName:    name,
		FieldRef:     widgetRef,
		SigDictRef:   sigRef,
		ContentsSize: field.ContentsSize,
		byteRange:    br,
		contents:     contents,
	}
	return w.placeholder, nil
}

// root returns a writable copy of the catalog, reusing a pending update.
func (w *IncrementalWriter) root() *generic.DictionaryObject {
	if obj, ok := w.objects[w.reader.RootRef.ObjectNumber]; ok {
		return obj.Object.(*generic.DictionaryObject)
	}
	return w.reader.Root.Clone()
}

// acroForm returns a writable copy of the interactive form dictionary and its
// reference if it is an indirect object. A missing form is created inline.
func (w *IncrementalWriter) acroForm() (*generic.DictionaryObject, *generic.Reference, error) {
	entry := w.reader.Root.Get("AcroForm")
	if ref, ok := entry.(generic.Reference); ok {
		form, ok := w.Resolve(ref).(*generic.DictionaryObject)
		if !ok {
			return nil, nil, fmt.Errorf("/AcroForm %s is not a dictionary", ref)
		}
		return form.Clone(), &ref, nil
	}
	if form, ok := entry.(*generic.DictionaryObject); ok {
		return form.Clone(), nil, nil
	}
	return generic.NewDictionary(), nil, nil
}

// arrayEntry resolves an array-valued entry. When the array is an indirect
// object its reference is returned as well.
func (w *IncrementalWriter) arrayEntry(dict *generic.DictionaryObject, key string) (generic.ArrayObject, *generic.Reference) {
	entry := dict.Get(key)
	if ref, ok := entry.(generic.Reference); ok {
		arr, _ := w.Resolve(ref).(generic.ArrayObject)
		return arr, &ref
	}
	arr, _ := entry.(generic.ArrayObject)
	return arr, nil
}

func (w *IncrementalWriter) fieldName(fields generic.ArrayObject, requested string) (string, error) {
	taken := make(map[string]bool, len(fields))
	for _, f := range fields {
		if d, ok := w.Resolve(f).(*generic.DictionaryObject); ok {
			if t, ok := w.Resolve(d.Get("T")).(*generic.StringObject); ok {
				taken[t.Text()] = true
			}
		}
	}
	if requested != "" {
		if taken[requested] {
			return "", fmt.Errorf("%w: %q", ErrFieldNameTaken, requested)
		}
		return requested, nil
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("Signature%d", i)
		if !taken[name] {
			return name, nil
		}
	}
}
