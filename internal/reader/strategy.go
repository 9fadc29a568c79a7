package reader

import (
	"errors"
	"fmt"
	"log"

	"github.com/go-viper/mapstructure/v2"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// Kind names a built-in reader layout.
type Kind string

const (
	KindNarrow     Kind = "narrow"
	KindWide       Kind = "wide"
	KindConditions Kind = "conditions"
	KindOffset     Kind = "offset"
)

// Strategy is a decoded reader configuration: Kind selects which one of the
// variant configs is set.
type Strategy struct {
	Kind       Kind
	Narrow     *NarrowConfig
	Wide       *WideConfig
	Conditions *ConditionsConfig
	Offset     *OffsetConfig
}

// DecodeStrategy decodes raw into the variant config for kind.
//
// Keys match field names case-insensitively. Strings convert to numbers,
// durations ("15m") and comma-separated lists where a field needs them.
// Unknown keys are an error.
func DecodeStrategy(kind Kind, raw map[string]any) (Strategy, error) {
	s := Strategy{Kind: kind}
	var target any
	switch kind {
	case KindNarrow:
		s.Narrow = &NarrowConfig{}
		target = s.Narrow
	case KindWide:
		s.Wide = &WideConfig{}
		target = s.Wide
	case KindConditions:
		s.Conditions = &ConditionsConfig{}
		target = s.Conditions
	case KindOffset:
		s.Offset = &OffsetConfig{}
		target = s.Offset
	default:
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownReader, kind)
	}

	if err := decode(raw, target); err != nil {
		return Strategy{}, errkind.New(errkind.Config, "decode reader configuration", string(kind), err)
	}
	return s, nil
}

// decode maps raw onto out with the conversions configuration files need.
func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return dec.Decode(raw)
}

// SetLogger sets the logger of whichever variant config is present.
func (s Strategy) SetLogger(logger *log.Logger) {
	switch {
	case s.Narrow != nil:
		s.Narrow.Logger = logger
	case s.Wide != nil:
		s.Wide.Logger = logger
	case s.Conditions != nil:
		s.Conditions.Logger = logger
	case s.Offset != nil:
		s.Offset.Logger = logger
	}
}

// Reader builds the reader the strategy describes.
func (s Strategy) Reader() (Reader, error) {
	set := 0
	for _, v := range []bool{s.Narrow != nil, s.Wide != nil, s.Conditions != nil, s.Offset != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return nil, errkind.New(errkind.Config, "build reader", string(s.Kind),
			errors.New("exactly one variant configuration must be set"))
	}

	switch {
	case s.Kind == KindNarrow && s.Narrow != nil:
		return NewNarrow(*s.Narrow)
	case s.Kind == KindWide && s.Wide != nil:
		return NewWide(*s.Wide)
	case s.Kind == KindConditions && s.Conditions != nil:
		return NewConditions(*s.Conditions)
	case s.Kind == KindOffset && s.Offset != nil:
		return NewOffset(*s.Offset)
	default:
		return nil, errkind.Newf(errkind.Config, "build reader", string(s.Kind),
			"configuration does not match kind %q", s.Kind)
	}
}
