package dimse

import (
	"github.com/dicomassoc/dicomassoc/dicom"
	"github.com/dicomassoc/dicomassoc/types"
)

// DatasetCodec translates between the wire-level data-dataset bytes of a
// negotiated transfer syntax and the plain types.Dataset carried on
// DicomRequest/DicomResponse. It is the seam between the DIMSE message
// layer and the richer VR-aware dicom package, so message.go never has
// to know about dicom.Dataset directly.
type DatasetCodec interface {
	Encode(ds *types.Dataset, transferSyntaxUID string) ([]byte, error)
	Decode(data []byte, transferSyntaxUID string) (*types.Dataset, error)
}

// dicomPackageCodec defers to the dicom package's ParseDataset/EncodeDataset
// family, which already understands both Implicit and Explicit VR Little
// Endian, by round-tripping through its richer Tag/Element representation.
type dicomPackageCodec struct{}

// NewDatasetCodec returns the DatasetCodec used by production callers.
func NewDatasetCodec() DatasetCodec {
	return dicomPackageCodec{}
}

func (dicomPackageCodec) Encode(ds *types.Dataset, transferSyntaxUID string) ([]byte, error) {
	if ds == nil {
		return nil, nil
	}
	rich := dicom.NewDataset()
	for tag, el := range ds.Elements {
		rich.AddElement(dicom.Tag{Group: tag.Group, Element: tag.Element}, el.VR, el.Value)
	}
	return dicom.EncodeDatasetWithTransferSyntax(rich, transferSyntaxUID)
}

func (dicomPackageCodec) Decode(data []byte, transferSyntaxUID string) (*types.Dataset, error) {
	if len(data) == 0 {
		return &types.Dataset{Elements: make(map[types.Tag]*types.Element)}, nil
	}
	rich, err := dicom.ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil, err
	}
	plain := &types.Dataset{Elements: make(map[types.Tag]*types.Element, len(rich.Elements))}
	for tag, el := range rich.Elements {
		plainTag := types.Tag{Group: tag.Group, Element: tag.Element}
		plain.Elements[plainTag] = &types.Element{Tag: plainTag, VR: el.VR, Value: el.Value}
	}
	return plain, nil
}
