package emv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dotside-studios/davi-emv-agent/reader"
	"github.com/dotside-studios/davi-emv-agent/tlv"
)

// ApplicationConfig is one payment application the terminal supports.
type ApplicationConfig struct {
	AID                string `yaml:"aid" mapstructure:"aid"`
	Label              string `yaml:"label" mapstructure:"label"`
	ApplicationVersion string `yaml:"application_version" mapstructure:"application_version"`
	TACDefault         string `yaml:"tac_default" mapstructure:"tac_default"`
	TACDenial          string `yaml:"tac_denial" mapstructure:"tac_denial"`
	TACOnline          string `yaml:"tac_online" mapstructure:"tac_online"`
	FloorLimit         uint32 `yaml:"floor_limit" mapstructure:"floor_limit"`
}

// PublicKey is a certification authority public key.
type PublicKey struct {
	RID      string `yaml:"rid" mapstructure:"rid"`
	Index    string `yaml:"index" mapstructure:"index"`
	Modulus  string `yaml:"modulus" mapstructure:"modulus"`
	Exponent string `yaml:"exponent" mapstructure:"exponent"`
	Checksum string `yaml:"checksum" mapstructure:"checksum"`
}

// ID identifies the key by RID and index.
func (k PublicKey) ID() string {
	return strings.ToUpper(k.RID + k.Index)
}

// DOLEntry is one tag/length pair of a data object list.
type DOLEntry struct {
	Tag    string `yaml:"tag" mapstructure:"tag"`
	Length int    `yaml:"length" mapstructure:"length"`
}

// DOL is a data object list.
type DOL []DOLEntry

// Hex encodes the list as concatenated tag and one-byte length.
func (d DOL) Hex() string {
	var sb strings.Builder
	for _, e := range d {
		sb.WriteString(strings.ToUpper(e.Tag))
		sb.WriteString(fmt.Sprintf("%02X", e.Length))
	}
	return sb.String()
}

// Tags lists the tags of the DOL in order.
func (d DOL) Tags() []string {
	tags := make([]string, len(d))
	for i, e := range d {
		tags[i] = strings.ToUpper(e.Tag)
	}
	return tags
}

// TerminalConfig is the static EMV provisioning pushed to a reader.
type TerminalConfig struct {
	TerminalType           string              `yaml:"terminal_type" mapstructure:"terminal_type"`
	TerminalCapabilities   string              `yaml:"terminal_capabilities" mapstructure:"terminal_capabilities"`
	AdditionalCapabilities string              `yaml:"additional_capabilities" mapstructure:"additional_capabilities"`
	CountryCode            string              `yaml:"country_code" mapstructure:"country_code"`
	Language               string              `yaml:"language" mapstructure:"language"`
	DisplayTimeout         int                 `yaml:"display_timeout" mapstructure:"display_timeout"`
	Applications           []ApplicationConfig `yaml:"applications" mapstructure:"applications"`
	PublicKeys             []PublicKey         `yaml:"public_keys" mapstructure:"public_keys"`
	AmountDOL              DOL                 `yaml:"amount_dol" mapstructure:"amount_dol"`
	OnlineDOL              DOL                 `yaml:"online_dol" mapstructure:"online_dol"`
	ResponseDOL            DOL                 `yaml:"response_dol" mapstructure:"response_dol"`
}

// defaultPublicKeys are the scheme certification CA keys. Acquirers ship
// their production keys through configuration.
var defaultPublicKeys = []PublicKey{
	{
		RID:      "A000000003",
		Index:    "92",
		Modulus:  "996AF56F569187D09293C14810450ED8EE3357397B18A2458EFAA92DA3B6DF6514EC060195318FD43BE9B8F0CC669E3F844057CBDDF8BDA191BB64473BC8DC9A730DB8F6B4EDE3924186FFD9B8C7735789C23A36BA0B8AF65372EB57EA5D89E7D14E9C7B6B557460F10885DA16AC923F15AF3758F0F03EBD3C5C2C949CBA306DB44E6A2C076C5F67E281D7EF56785DC4D75945E491F01918800A9E2DC66F60080566CE0DAF8D17EAD46AD8E30A247C9F",
		Exponent: "03",
		Checksum: "429C954A3859CEF91295F663C963E582ED6EB253",
	},
	{
		RID:      "A000000003",
		Index:    "94",
		Modulus:  "ACD2B12302EE644F3F835ABD1FC7A6F62CCE48FFEC622AA8EF062BEF6FB8BA8BC68BBF6AB5870EED579BC3973E121303D34841A796D6DCBC41DBF9E52C4609795C0CCF7EE86FA1D5CB041071ED2C51D2202F63F1156C58A92D38BC60BDF424E1776E2BC9648078A03B36FB554375FC53D57C73F5160EA59F3AFC5398EC7B67758D65C9BFF7828B6B82D4BE124A416AB7301914311EA462C19F771F31B3B57336000DFF732D3B83DE07052D730354D297BEC72871DCCF0E193F171ABA27EE464C6A97690943D59BDABB2A27EB71CEEBDAFA1176046478FD62FEC452D5CA393296530AA3F41927ADFE434A2DF2AE3054F8840657A26E0FC617",
		Exponent: "03",
		Checksum: "C4A3C43CCF87327D136B804160E47D43B60E6E0F",
	},
	{
		RID:      "A000000003",
		Index:    "95",
		Modulus:  "BE9E1FA5E9A803852999C4AB432DB28600DCD9DAB76DFAAA47355A0FE37B1508AC6BF38860D3C6C2E5B12A3CAAF2A7005A7241EBAA7771112C74CF9A0634652FBCA0E5980C54A64761EA101A114E0F0B5572ADD57D010B7C9C887E104CA4EE1272DA66D997B9A90B5A6D624AB6C57E73C8F919000EB5F684898EF8C3DBEFB330C62660BED88EA78E909AFF05F6DA627B",
		Exponent: "03",
		Checksum: "EE1511CEC71020A9B90443B37B1D5F6E703030F6",
	},
	{
		RID:      "A000000004",
		Index:    "EF",
		Modulus:  "A191CB87473F29349B5D60A88B3EAEE0973AA6F1A082F358D849FDDFF9C091F899EDA9792CAF09EF28F5D22404B88A2293EEBBC1949C43BEA4D60CFD879A1539544E09E0F09F60F065B2BF2A13ECC705F3D468B9D33AE77AD9D3F19CA40F23DCF5EB7C04DC8F69EBA565B1EBCB4686CD274785530FF6F6E9EE43AA43FDB02CE00DAEC15C7B8FD6A9B394BABA419D3F6DC85E16569BE8E76989688EFEA2DF22FF7D35C043338DEAA982A02B866DE5328519EBBCD6F03CDD686673847F84DB651AB86C28CF1462562C577B853564A290C8556D818531268D25CC98A4CC6A0BDFFFDA2DCCA3A94C998559E307FDDF915006D9A987B07DDAEB3B",
		Exponent: "03",
		Checksum: "21766EBB0EE122AFB65D7845B73DB46BAB65427A",
	},
	{
		RID:      "A000000004",
		Index:    "F1",
		Modulus:  "A0DCF4BDE19C3546B4B6F0414D174DDE294AABBB828C5A834D73AAE27C99B0B053A90278007239B6459FF0BBCD7B4B9C6C50AC02CE91368DA1BD21AAEADBC65347337D89B68F5C99A09D05BE02DD1F8C5BA20E2F13FB2A27C41D3F85CAD5CF6668E75851EC66EDBF98851FD4E42C44C1D59F5984703B27D5B9F21B8FA0D93279FBBF69E090642909C9EA27F898959541AA6757F5F624104F6E1D3A9532F2A6E51515AEAD1B43B3D7835088A2FAFA7BE7",
		Exponent: "03",
		Checksum: "D8E68DA167AB5A85D8C3D55ECB9B0517A1A5B4BB",
	},
	{
		RID:      "A000000025",
		Index:    "C8",
		Modulus:  "BF0CFCED708FB6B048E3014336EA24AA007D7967B8AA4E613D26D015C4FE7805D9DB131CED0D2A8ED504C3B5CCD48C33199E5A5BF644DA043B54DBF60276F05B1750FAB39098C7511D04BABC649482DDCF7CC42C8C435BAB8DD0EB1A620C31111D1AAAF9AF6571EEBD4CF5A08496D57E7ABDBB5180E0A42DA869AB95FB620EFF2641C3702AF3BE0B0C138EAEF202E21D",
		Exponent: "03",
		Checksum: "33BD7A059FAB094939B90A8F35845C9DC779BD50",
	},
}

// DefaultTerminalConfig returns the provisioning used by an unconfigured
// agent.
func DefaultTerminalConfig() TerminalConfig {
	return TerminalConfig{
		TerminalType:           "22",
		TerminalCapabilities:   "E0F8C8",
		AdditionalCapabilities: "F000F0A001",
		CountryCode:            "0840",
		Language:               "en",
		DisplayTimeout:         30,
		Applications: []ApplicationConfig{
			{AID: "A0000000031010", Label: "VISA CREDIT", ApplicationVersion: "008C", TACDefault: "DC4000A800", TACDenial: "0010000000", TACOnline: "DC4004F800"},
			{AID: "A0000000032010", Label: "VISA ELECTRON", ApplicationVersion: "008C", TACDefault: "DC4000A800", TACDenial: "0010000000", TACOnline: "DC4004F800"},
			{AID: "A0000000980840", Label: "US DEBIT", ApplicationVersion: "008C", TACDefault: "DC4000A800", TACDenial: "0010000000", TACOnline: "DC4004F800"},
			{AID: "A0000000041010", Label: "MASTERCARD", ApplicationVersion: "0002", TACDefault: "FC50ACA000", TACDenial: "0000000000", TACOnline: "FC50ACF800"},
			{AID: "A0000000043060", Label: "MAESTRO", ApplicationVersion: "0002", TACDefault: "FC50ACA000", TACDenial: "0000000000", TACOnline: "FC50ACF800"},
			{AID: "A00000002501", Label: "AMERICAN EXPRESS", ApplicationVersion: "0001", TACDefault: "DC50FC9800", TACDenial: "0010000000", TACOnline: "DE00FC9800"},
			{AID: "A0000001523010", Label: "DISCOVER", ApplicationVersion: "0001", TACDefault: "DC00002000", TACDenial: "0010000000", TACOnline: "FCE09CF800"},
			{AID: "A0000000651010", Label: "JCB", ApplicationVersion: "0200", TACDefault: "FC6024A800", TACDenial: "0010000000", TACOnline: "FC60ACF800"},
		},
		PublicKeys: append([]PublicKey(nil), defaultPublicKeys...),
		AmountDOL: DOL{
			{Tag: "9F02", Length: 6},
			{Tag: "9F03", Length: 6},
			{Tag: "5F2A", Length: 2},
			{Tag: "9A", Length: 3},
			{Tag: "9C", Length: 1},
			{Tag: "9F1A", Length: 2},
		},
		OnlineDOL: DOL{
			{Tag: "4F", Length: 16},
			{Tag: "50", Length: 16},
			{Tag: "5F24", Length: 3},
			{Tag: "5F2A", Length: 2},
			{Tag: "5F34", Length: 1},
			{Tag: "82", Length: 2},
			{Tag: "84", Length: 16},
			{Tag: "95", Length: 5},
			{Tag: "9A", Length: 3},
			{Tag: "9C", Length: 1},
			{Tag: "9F02", Length: 6},
			{Tag: "9F03", Length: 6},
			{Tag: "9F09", Length: 2},
			{Tag: "9F10", Length: 32},
			{Tag: "9F12", Length: 16},
			{Tag: "9F1A", Length: 2},
			{Tag: "9F26", Length: 8},
			{Tag: "9F27", Length: 1},
			{Tag: "9F33", Length: 3},
			{Tag: "9F34", Length: 3},
			{Tag: "9F35", Length: 1},
			{Tag: "9F36", Length: 2},
			{Tag: "9F37", Length: 4},
			{Tag: "9F41", Length: 4},
		},
		ResponseDOL: DOL{
			{Tag: "8A", Length: 2},
			{Tag: "91", Length: 16},
			{Tag: "71", Length: 128},
			{Tag: "72", Length: 128},
		},
	}
}

// AIDs returns the configured application identifiers.
func (t TerminalConfig) AIDs() []string {
	out := make([]string, len(t.Applications))
	for i, a := range t.Applications {
		out[i] = strings.ToUpper(a.AID)
	}
	return out
}

// KeyIDs returns the configured public key identifiers.
func (t TerminalConfig) KeyIDs() []string {
	out := make([]string, len(t.PublicKeys))
	for i, k := range t.PublicKeys {
		out[i] = k.ID() + k.Checksum
	}
	return out
}

func (a ApplicationConfig) encode() (string, error) {
	data, err := tlv.EncodeMap(map[string]string{
		"9F06":   a.AID,
		"50":     fmt.Sprintf("%X", a.Label),
		"9F09":   a.ApplicationVersion,
		"DF8120": a.TACDefault,
		"DF8121": a.TACDenial,
		"DF8122": a.TACOnline,
		"9F1B":   fmt.Sprintf("%08X", a.FloorLimit),
	})
	if err != nil {
		return "", fmt.Errorf("aid %s: %w", a.AID, err)
	}
	return fmt.Sprintf("%X", data), nil
}

// submitAIDsRequest builds the SubmitAIDs command carrying every application
// as a TLV record.
func (t TerminalConfig) submitAIDsRequest() (reader.Request, error) {
	params := map[string]string{"count": strconv.Itoa(len(t.Applications))}
	for i, a := range t.Applications {
		enc, err := a.encode()
		if err != nil {
			return reader.Request{}, err
		}
		params["aid."+strconv.Itoa(i)] = enc
	}
	return reader.Request{Command: reader.CmdSubmitAIDs, Params: params}, nil
}

func (t TerminalConfig) submitPublicKeyRequests() []reader.Request {
	out := make([]reader.Request, len(t.PublicKeys))
	for i, k := range t.PublicKeys {
		out[i] = reader.Request{Command: reader.CmdSubmitPublicKey, Params: map[string]string{
			"rid":      strings.ToUpper(k.RID),
			"index":    strings.ToUpper(k.Index),
			"modulus":  strings.ToUpper(k.Modulus),
			"exponent": strings.ToUpper(k.Exponent),
			"checksum": strings.ToUpper(k.Checksum),
		}}
	}
	return out
}

func (t TerminalConfig) dolRequests() []reader.Request {
	var expected []string
	expected = append(expected, t.OnlineDOL.Tags()...)
	expected = append(expected, t.ResponseDOL.Tags()...)
	expected = append(expected, "57", "5A", "5F20")
	return []reader.Request{
		{Command: reader.CmdConfigureAmountDOL, Params: map[string]string{"dol": t.AmountDOL.Hex()}},
		{Command: reader.CmdConfigureOnlineDOL, Params: map[string]string{"dol": t.OnlineDOL.Hex()}},
		{Command: reader.CmdConfigureResponseDOL, Params: map[string]string{"dol": t.ResponseDOL.Hex()}},
		{Command: reader.CmdConfigureUserInterfaceOptions, Params: map[string]string{
			"language":       t.Language,
			"displayTimeout": strconv.Itoa(t.DisplayTimeout),
		}},
		{Command: reader.CmdSetExpectedDOLs, Params: map[string]string{"tags": strings.Join(expected, ",")}},
	}
}

// startRequest builds the StartTransaction command for req.
func (t TerminalConfig) startRequest(req TransactionRequest) reader.Request {
	return reader.Request{Command: reader.CmdStartTransaction, Params: map[string]string{
		"amount":                 req.AmountField(),
		"amountOther":            "000000000000",
		"currency":               req.CurrencyField(),
		"transactionType":        "00",
		"terminalType":           t.TerminalType,
		"terminalCapabilities":   t.TerminalCapabilities,
		"additionalCapabilities": t.AdditionalCapabilities,
		"countryCode":            t.CountryCode,
	}}
}
