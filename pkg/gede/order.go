package gede

import (
	"encoding/xml"
	"strconv"
)

// OrderNamespace is the namespace of B03 connect/disconnect orders.
const OrderNamespace = "http://stgdc/ws/B03"

// Order codes understood by B03.
const (
	OrderDisconnect = 0
	OrderReconnect  = 1
)

// OrderCommand is a B03 relay order for one meter.
type OrderCommand struct {
	RequestID      int
	ConcentratorID int64
	Meter          string
	Start          string
	End            string
	Order          int
}

type orderXML struct {
	XMLName xml.Name `xml:"http://stgdc/ws/B03 Order"`
	IdReq   string   `xml:"IdReq,attr"`
	IdPet   int      `xml:"IdPet,attr"`
	Version string   `xml:"Version,attr"`
	Cnc     struct {
		ID  string `xml:"Id,attr"`
		Cnt struct {
			ID  string `xml:"Id,attr"`
			B03 struct {
				Fini  string `xml:"Fini,attr"`
				Ffin  string `xml:"Ffin,attr"`
				Order int    `xml:"Order,attr"`
			} `xml:"B03"`
		} `xml:"Cnt"`
	} `xml:"Cnc"`
}

// Body renders the order XML. Start and End must already be in the
// concentrator timestamp format.
func (o OrderCommand) Body() ([]byte, error) {
	var x orderXML
	x.IdReq = "B03"
	x.IdPet = o.RequestID
	x.Version = "4.0"
	x.Cnc.ID = "CIR" + strconv.FormatInt(o.ConcentratorID, 10)
	x.Cnc.Cnt.ID = o.Meter
	x.Cnc.Cnt.B03.Fini = o.Start
	x.Cnc.Cnt.B03.Ffin = o.End
	x.Cnc.Cnt.B03.Order = o.Order
	return xml.Marshal(x)
}
