package console

import (
	"fmt"
	"io"
	"os"
)

const PictoStop = "🚫"
const PictoPin = "📌"

var writer io.Writer = os.Stdout
var errWriter io.Writer = os.Stderr

func SetOutput(w, errw io.Writer) {
	writer = w
	errWriter = errw
}

func Errorf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(errWriter, "%s: %s\n", Red("ERROR"), fmt.Sprintf(msg, args...))
}

func Warnf(msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(errWriter, "%s: %s\n", Yellow("WARN"), fmt.Sprintf(msg, args...))
}

func PInfof(picto, msg string, args ...interface{}) {
	_, _ = fmt.Fprintf(writer, "%s %s\n", picto, White(fmt.Sprintf(msg, args...)))
}

func Print(msg string) {
	_, _ = fmt.Fprint(writer, msg)
}
