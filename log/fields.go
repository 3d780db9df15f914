package log

import (
	"go.uber.org/zap"
)

func Identity(document, filename string) zap.Field {
	return zap.Strings("identity", []string{document, filename})
}

func Version(v string) zap.Field {
	return zap.String("version", v)
}

func Path(p string) zap.Field {
	return zap.String("path", p)
}

func Txn(id string) zap.Field {
	return zap.String("txn", id)
}

func Err(err error) zap.Field {
	return zap.Error(err)
}

func Versions(labels []string) zap.Field {
	return zap.Strings("versions", labels)
}
