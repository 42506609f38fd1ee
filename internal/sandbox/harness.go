package sandbox

import (
	"encoding/json"
	"strconv"
	"strings"
)

// The harness is the trusted program the child interpreter runs. It
// applies resource ceilings before the submitted source is compiled,
// builds the restricted namespace, executes the program, invokes the
// decompress entry point with the input read from stdin, and emits
// exactly one JSON line on stdout. The submitted code never sees the
// real builtins: its namespace contains the allow-list below and
// nothing else, so the import machinery is unreachable even if the
// static validator were bypassed.
const harnessTemplate = `import sys, json, base64, time, resource

MEM_BYTES = @MEM_MB@ * 1024 * 1024
CPU_SECONDS = @CPU_SECONDS@
MAX_OUTPUT = @MAX_OUTPUT@

def _limit(res, val):
    try:
        resource.setrlimit(res, (val, val))
    except (ValueError, OSError):
        pass

_limit(resource.RLIMIT_AS, MEM_BYTES)
_limit(resource.RLIMIT_CPU, CPU_SECONDS)
_limit(resource.RLIMIT_NPROC, 0)
_limit(resource.RLIMIT_FSIZE, 0)
_limit(resource.RLIMIT_CORE, 0)

def _print(*args, **kwargs):
    kwargs.pop("file", None)
    print(*args, file=sys.stderr, **kwargs)

SAFE_BUILTINS = {
    "None": None, "True": True, "False": False,
    "int": int, "float": float, "bool": bool, "str": str,
    "bytes": bytes, "bytearray": bytearray,
    "list": list, "tuple": tuple, "dict": dict,
    "set": set, "frozenset": frozenset,
    "abs": abs, "all": all, "any": any, "bin": bin, "chr": chr,
    "divmod": divmod, "enumerate": enumerate, "filter": filter,
    "hex": hex, "isinstance": isinstance, "issubclass": issubclass,
    "iter": iter, "len": len, "map": map, "max": max, "min": min,
    "next": next, "oct": oct, "ord": ord, "pow": pow, "print": _print,
    "range": range, "repr": repr, "reversed": reversed, "round": round,
    "slice": slice, "sorted": sorted, "sum": sum, "zip": zip,
    "Exception": Exception, "ValueError": ValueError,
    "TypeError": TypeError, "KeyError": KeyError,
    "IndexError": IndexError, "RuntimeError": RuntimeError,
    "StopIteration": StopIteration, "ZeroDivisionError": ZeroDivisionError,
    "OverflowError": OverflowError,
}

CODE = @CODE@

class EntryPointError(Exception):
    pass

class OutputLimitError(Exception):
    pass

def _emit(payload):
    sys.stdout.write(json.dumps(payload))
    sys.stdout.write("\n")
    sys.stdout.flush()

def _fail(exc):
    _emit({"ok": False,
           "error_type": type(exc).__name__,
           "error": str(exc)[:512]})

def main():
    data = sys.stdin.buffer.read()
    env = {"__builtins__": SAFE_BUILTINS, "__name__": "__sandbox__"}
    started = time.monotonic()
    try:
        exec(compile(CODE, "<submission>", "exec"), env)
        fn = env.get("decompress")
        if not callable(fn):
            raise EntryPointError("program must define decompress(data)")
        result = fn(data)
        if not isinstance(result, (bytes, bytearray)):
            _emit({"ok": False, "error_type": "WrongReturnType",
                   "error": "decompress() must return bytes, got " + type(result).__name__})
            return
        if len(result) > MAX_OUTPUT:
            raise OutputLimitError("output exceeds " + str(MAX_OUTPUT) + " bytes")
    except MemoryError:
        _emit({"ok": False, "error_type": "MemoryError",
               "error": "memory limit exceeded"})
        return
    except BaseException as exc:
        _fail(exc)
        return
    elapsed_ms = int((time.monotonic() - started) * 1000)
    _emit({"ok": True,
           "output_b64": base64.b64encode(bytes(result)).decode("ascii"),
           "elapsed_ms": elapsed_ms})

main()
`

// renderHarness bakes the limits and the submitted source into the
// harness. The source is embedded as a JSON string, which is also a
// valid Python string literal, so no second file crosses into the
// child.
func renderHarness(source string, limits Limits) (string, error) {
	code, err := json.Marshal(source)
	if err != nil {
		return "", err
	}
	r := strings.NewReplacer(
		"@MEM_MB@", strconv.Itoa(limits.MemoryMB),
		"@CPU_SECONDS@", strconv.Itoa(limits.CPUSeconds),
		"@MAX_OUTPUT@", strconv.Itoa(limits.MaxOutputBytes),
		"@CODE@", string(code),
	)
	return r.Replace(harnessTemplate), nil
}
