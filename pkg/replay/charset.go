package replay

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decoderFor returns the transformer turning charset-encoded script bytes
// into UTF-8. A byte order mark always wins over the named charset.
func decoderFor(charset string) (transform.Transformer, error) {
	charset = strings.ToLower(strings.TrimSpace(charset))

	var fallback transform.Transformer
	switch charset {
	case "", "utf-8", "utf8", "us-ascii":
		fallback = unicode.UTF8.NewDecoder()
	case "utf-16", "utf-16le":
		fallback = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	case "utf-16be":
		fallback = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
	case "iso-8859-1", "latin1", "iso_8859-1":
		fallback = charmap.ISO8859_1.NewDecoder()
	case "iso-8859-15", "latin9":
		fallback = charmap.ISO8859_15.NewDecoder()
	case "windows-1252", "cp1252":
		fallback = charmap.Windows1252.NewDecoder()
	case "windows-1251", "cp1251":
		fallback = charmap.Windows1251.NewDecoder()
	case "gb2312", "gbk", "gb18030":
		fallback = simplifiedchinese.GBK.NewDecoder()
	case "big5":
		fallback = traditionalchinese.Big5.NewDecoder()
	case "shift_jis", "shift-jis", "sjis":
		fallback = japanese.ShiftJIS.NewDecoder()
	case "euc-kr":
		fallback = korean.EUCKR.NewDecoder()
	default:
		return nil, fmt.Errorf("unknown charset: %s", charset)
	}
	return unicode.BOMOverride(fallback), nil
}
