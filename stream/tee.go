package stream

import "errors"

type tee []DecodeSink

// Tee fans every unit out to all sinks in order. The first failing sink
// ends the push; Close closes all of them.
func Tee(sinks ...DecodeSink) DecodeSink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return tee(sinks)
}

func (t tee) Push(u Unit) error {
	for _, s := range t {
		if err := s.Push(u); err != nil {
			return err
		}
	}
	return nil
}

func (t tee) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
