package mixer

import (
	"fmt"

	"go.starlark.net/starlark"
)

// Builtins exposes the mixer's command surface to generated scripts.
// Every function resolves tracks by name (case-insensitive) and returns
// an error, not None, when the track does not exist, so failures surface
// as interpreter errors the model can react to.
func (m *Mixer) Builtins() starlark.StringDict {
	mustTrack := func(name string) (*track, error) {
		tr := m.trackByName(name)
		if tr == nil {
			return nil, fmt.Errorf("no track named %q", name)
		}
		return tr, nil
	}

	fn := func(name string, impl func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)) starlark.Value {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return impl(b, args, kwargs)
		})
	}

	return starlark.StringDict{
		"tracks": fn("tracks", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			var names []starlark.Value
			for _, tr := range m.tracks {
				names = append(names, starlark.String(tr.name))
			}
			return starlark.NewList(names), nil
		}),

		"track_info": fn("track_info", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			var procs []starlark.Value
			for _, p := range tr.processors {
				procs = append(procs, starlark.String(p))
			}
			d := starlark.NewDict(6)
			d.SetKey(starlark.String("name"), starlark.String(tr.name))
			d.SetKey(starlark.String("kind"), starlark.String(tr.kind))
			d.SetKey(starlark.String("gain_db"), starlark.Float(tr.gainDB))
			d.SetKey(starlark.String("pan"), starlark.Float(tr.pan))
			d.SetKey(starlark.String("muted"), starlark.Bool(tr.muted))
			d.SetKey(starlark.String("processors"), starlark.NewList(procs))
			return d, nil
		}),

		"add_track": fn("add_track", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			kind := KindAudio
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "kind?", &kind); err != nil {
				return nil, err
			}
			if kind != KindAudio && kind != KindMIDI && kind != KindBus {
				return nil, fmt.Errorf("unknown track kind %q", kind)
			}
			if m.trackByName(name) != nil {
				return nil, fmt.Errorf("a track named %q already exists", name)
			}
			m.addTrack(name, kind)
			return starlark.None, nil
		}),

		"remove_track": fn("remove_track", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			m.removeTrack(tr)
			return starlark.None, nil
		}),

		"rename_track": fn("rename_track", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var old, newName string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "old", &old, "new", &newName); err != nil {
				return nil, err
			}
			tr, err := mustTrack(old)
			if err != nil {
				return nil, err
			}
			m.renameTrack(tr, newName)
			return starlark.None, nil
		}),

		"set_gain": fn("set_gain", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var db float64
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "db", &db); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			tr.gainDB = db
			return starlark.None, nil
		}),

		"set_pan": fn("set_pan", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var pan float64
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "pan", &pan); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			tr.pan = clampPan(pan)
			return starlark.None, nil
		}),

		"set_mute": fn("set_mute", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var muted bool
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "muted", &muted); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			tr.muted = muted
			return starlark.None, nil
		}),

		"get_gain": fn("get_gain", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			return starlark.Float(tr.gainDB), nil
		}),

		"get_pan": fn("get_pan", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			return starlark.Float(tr.pan), nil
		}),

		"get_mute": fn("get_mute", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			return starlark.Bool(tr.muted), nil
		}),

		"add_processor": fn("add_processor", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, proc string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "processor", &proc); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			m.addProcessor(tr, proc)
			return starlark.None, nil
		}),

		"remove_processor": fn("remove_processor", func(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name, proc string
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "processor", &proc); err != nil {
				return nil, err
			}
			tr, err := mustTrack(name)
			if err != nil {
				return nil, err
			}
			if !m.removeProcessor(tr, proc) {
				return nil, fmt.Errorf("track %q has no processor %q", tr.name, proc)
			}
			return starlark.None, nil
		}),
	}
}
