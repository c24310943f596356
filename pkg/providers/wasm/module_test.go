package wasm

// Minimal provider modules assembled in tests. Each exports memory, a bump
// allocator and provider functions that return fixed JSON from data
// segments, or forward a fixed request to host_run.

const (
	loadOffset    = 1024
	requestOffset = 2048
	actionOffset  = 4096
	heapStart     = 16384
)

type moduleSpec struct {
	load   string
	action string

	// hostRun, when set, makes provider_load call env.host_run with this
	// request and return its response unchanged.
	hostRun string
}

func buildModule(spec moduleSpec) []byte {
	const (
		i32 = 0x7f
		i64 = 0x7e
	)
	imported := 0
	if spec.hostRun != "" {
		imported = 1
	}

	types := vec(
		[]byte{0x60, 0x01, i32, 0x01, i32},      // malloc
		[]byte{0x60, 0x01, i32, 0x00},           // free
		[]byte{0x60, 0x02, i32, i32, 0x01, i64}, // provider functions, host_run
	)

	var imports []byte
	if imported == 1 {
		imports = vec(concat(name("env"), name("host_run"), []byte{0x00, 0x02}))
	}

	funcs := vec([]byte{0x00}, []byte{0x01}, []byte{0x02}, []byte{0x02})
	memory := vec([]byte{0x00, 0x01})
	globals := vec(concat([]byte{i32, 0x01, 0x41}, sleb(heapStart), []byte{0x0b}))

	base := uint32(imported)
	exports := vec(
		concat(name("memory"), []byte{0x02}, uleb(0)),
		concat(name("malloc"), []byte{0x00}, uleb(base)),
		concat(name("free"), []byte{0x00}, uleb(base+1)),
		concat(name("provider_load"), []byte{0x00}, uleb(base+2)),
		concat(name("provider_action"), []byte{0x00}, uleb(base+3)),
	)

	malloc := []byte{0x00, 0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b}
	free := []byte{0x00, 0x0b}
	var load []byte
	var data [][]byte
	if spec.hostRun != "" {
		load = concat([]byte{0x00, 0x41}, sleb(requestOffset), []byte{0x41}, sleb(int64(len(spec.hostRun))), []byte{0x10, 0x00, 0x0b})
		data = append(data, segment(requestOffset, spec.hostRun))
	} else {
		load = constant(loadOffset, spec.load)
		data = append(data, segment(loadOffset, spec.load))
	}
	action := constant(actionOffset, spec.action)
	data = append(data, segment(actionOffset, spec.action))

	code := vec(body(malloc), body(free), body(load), body(action))

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(1, types)...)
	if imports != nil {
		out = append(out, section(2, imports)...)
	}
	out = append(out, section(3, funcs)...)
	out = append(out, section(5, memory)...)
	out = append(out, section(6, globals)...)
	out = append(out, section(7, exports)...)
	out = append(out, section(10, code)...)
	out = append(out, section(11, vec(data...))...)
	return out
}

// constant is a function body returning the packed location of a response.
func constant(offset int, payload string) []byte {
	packed := int64(offset)<<32 | int64(len(payload))
	return concat([]byte{0x00, 0x42}, sleb(packed), []byte{0x0b})
}

func segment(offset int, payload string) []byte {
	return concat([]byte{0x00, 0x41}, sleb(int64(offset)), []byte{0x0b}, uleb(uint32(len(payload))), []byte(payload))
}

func body(b []byte) []byte { return concat(uleb(uint32(len(b))), b) }

func section(id byte, content []byte) []byte {
	return concat([]byte{id}, uleb(uint32(len(content))), content)
}

func vec(items ...[]byte) []byte {
	return concat(append([][]byte{uleb(uint32(len(items)))}, items...)...)
}

func name(s string) []byte { return concat(uleb(uint32(len(s))), []byte(s)) }

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
