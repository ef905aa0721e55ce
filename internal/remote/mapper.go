package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

// The back office has shipped several payload shapes over the years: snake
// and camel case, Spanish field names, and bodies wrapped in "data", "shift"
// or "turno". Everything below translates those into the domain types so no
// alias handling leaks past this package.

var (
	shiftWrappers   = []string{"data", "shift", "turno", "caja", "result"}
	productWrappers = []string{"data", "product", "producto", "result"}
	saleWrappers    = []string{"data", "sale", "venta", "result"}
	listWrappers    = []string{"data", "items", "products", "productos", "results"}
)

type fields map[string]any

func decodeValue(body []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return v, nil
}

func decodeObject(body []byte, wrappers []string) (fields, error) {
	v, err := decodeValue(body)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected object", ErrBadResponse)
	}
	return unwrap(fields(obj), wrappers), nil
}

// unwrap descends through known envelope keys until it reaches the record.
// A wrapper that is present but null yields nil.
func unwrap(f fields, wrappers []string) fields {
	for depth := 0; depth < 3 && f != nil; depth++ {
		descended := false
		for _, key := range wrappers {
			raw, present := f[key]
			if !present {
				continue
			}
			if raw == nil {
				return nil
			}
			if inner, ok := raw.(map[string]any); ok {
				f = fields(inner)
				descended = true
				break
			}
		}
		if !descended {
			break
		}
	}
	return f
}

func (f fields) raw(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func (f fields) str(keys ...string) string {
	v, ok := f.raw(keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func (f fields) dec(keys ...string) (decimal.Decimal, bool) {
	v, ok := f.raw(keys...)
	if !ok {
		return decimal.Zero, false
	}
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (f fields) decOrZero(keys ...string) decimal.Decimal {
	d, _ := f.dec(keys...)
	return d
}

func (f fields) decPtr(keys ...string) *decimal.Decimal {
	d, ok := f.dec(keys...)
	if !ok {
		return nil
	}
	return &d
}

func (f fields) integer(keys ...string) int {
	d, ok := f.dec(keys...)
	if !ok {
		return 0
	}
	return int(d.IntPart())
}

func (f fields) boolean(fallback bool, keys ...string) bool {
	v, ok := f.raw(keys...)
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return fallback
		}
		return b
	case json.Number:
		return t.String() != "0"
	default:
		return fallback
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Epoch values below this are seconds (it is 1973 in milliseconds and the
// year 5138 in seconds).
const epochMillisFloor = 100_000_000_000

func (f fields) timestamp(keys ...string) time.Time {
	v, ok := f.raw(keys...)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.ParseInLocation(layout, strings.TrimSpace(t), time.Local); err == nil {
				return ts
			}
		}
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}
		}
		if n < epochMillisFloor {
			return time.Unix(n, 0)
		}
		return time.UnixMilli(n)
	}
	return time.Time{}
}

func (f fields) timestampPtr(keys ...string) *time.Time {
	ts := f.timestamp(keys...)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func (f fields) object(keys ...string) fields {
	v, ok := f.raw(keys...)
	if !ok {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return fields(obj)
}

func (f fields) list(keys ...string) []fields {
	v, ok := f.raw(keys...)
	if !ok {
		return nil
	}
	return objects(v)
}

func objects(v any) []fields {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]fields, 0, len(arr))
	for _, item := range arr {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, fields(obj))
		}
	}
	return out
}

// mapShiftStatus treats a missing status as open, since open and conflict
// replies often omit it. Unknown statuses pass through and are never open.
func mapShiftStatus(raw string) domain.ShiftStatus {
	status := strings.ToUpper(strings.TrimSpace(raw))
	switch status {
	case "", "OPEN", "OPENED", "ACTIVE", "ABIERTO", "ABIERTA", "ACTIVO", "ACTIVA":
		return domain.ShiftStatusOpen
	case "CLOSED", "CERRADO", "CERRADA", "INACTIVE":
		return domain.ShiftStatusClosed
	default:
		return domain.ShiftStatus(status)
	}
}

func shiftFromFields(f fields) (*domain.Shift, error) {
	if f == nil {
		return nil, nil
	}
	id := f.str("id", "_id", "shift_id", "shiftId", "id_turno", "idTurno")
	if id == "" {
		return nil, nil
	}
	start := f.timestamp("start_time", "startTime", "opened_at", "openedAt", "fecha_apertura", "fechaApertura", "apertura")
	if start.IsZero() {
		return nil, fmt.Errorf("%w: shift %s has no start time", ErrBadResponse, id)
	}

	return &domain.Shift{
		ID:              id,
		StoreID:         f.str("store_id", "storeId", "tienda_id", "tiendaId", "sucursal_id"),
		TerminalID:      f.str("terminal_id", "terminalId", "caja_id", "cajaId"),
		OwnerID:         f.str("owner_id", "ownerId", "opened_by", "openedBy", "usuario_id", "usuarioId", "user_id", "userId"),
		StartTime:       start,
		StartBalance:    f.decOrZero("start_balance", "startBalance", "initial_amount", "initialAmount", "monto_inicial", "montoInicial"),
		CashSales:       f.decOrZero("cash_sales", "cashSales", "ventas_efectivo", "ventasEfectivo"),
		Refunds:         f.decOrZero("refunds", "devoluciones", "reembolsos"),
		ExpectedBalance: f.decPtr("expected_balance", "expectedBalance", "expected_amount", "expectedAmount", "monto_esperado", "montoEsperado"),
		Status:          mapShiftStatus(f.str("status", "estado")),
		EndBalanceReal:  f.decPtr("end_balance_real", "endBalanceReal", "final_amount", "finalAmount", "monto_real", "montoReal", "monto_final"),
		Difference:      f.decPtr("difference", "diferencia"),
		ClosedAt:        f.timestampPtr("closed_at", "closedAt", "fecha_cierre", "fechaCierre"),
	}, nil
}

func decodeShift(body []byte) (*domain.Shift, error) {
	f, err := decodeObject(body, shiftWrappers)
	if err != nil {
		return nil, err
	}
	return shiftFromFields(f)
}

func decodeClosedShift(body []byte) (*domain.ClosedShift, error) {
	top, err := decodeObject(body, []string{"data", "result"})
	if err != nil {
		return nil, err
	}
	out := &domain.ClosedShift{}
	if top == nil {
		return out, nil
	}
	out.Difference = top.decPtr("difference", "diferencia")

	record := top.object("shift", "turno", "caja")
	if record == nil {
		record = top
	}
	shift, err := shiftFromFields(record)
	if err != nil {
		return nil, err
	}
	out.Shift = shift
	if out.Difference == nil && shift != nil {
		out.Difference = shift.Difference
	}
	return out, nil
}

// decodeConflict extracts the already-open shift from a 409 body, if any.
func decodeConflict(body []byte) *ConflictError {
	conflict := &ConflictError{}
	top, err := decodeObject(body, nil)
	if err != nil || top == nil {
		return conflict
	}
	conflict.Message = errorMessage(top)

	for _, candidate := range []fields{
		top.object("shift", "turno", "existing_shift", "existingShift", "caja"),
		unwrap(top.object("data", "error"), shiftWrappers),
		top,
	} {
		if shift, err := shiftFromFields(candidate); err == nil && shift != nil {
			conflict.Shift = shift
			break
		}
	}
	return conflict
}

func mapSaleStatus(raw string) domain.SaleStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "PENDIENTE":
		return domain.SalePending
	case "CANCELLED", "CANCELED", "CANCELADA", "ANULADA":
		return domain.SaleCancelled
	case "DELIVERED", "ENTREGADA":
		return domain.SaleDelivered
	case "COMPLETED", "COMPLETADA":
		return domain.SaleCompleted
	default:
		return domain.SaleActive
	}
}

func saleItemFromFields(f fields) domain.SaleItem {
	item := domain.SaleItem{
		ProductID: f.str("product_id", "productId", "producto_id", "productoId", "id"),
		SKU:       f.str("sku", "codigo", "barcode"),
		Name:      f.str("name", "nombre"),
		Quantity:  f.integer("quantity", "qty", "cantidad"),
		UnitPrice: f.decOrZero("unit_price", "unitPrice", "precio_unitario", "precioUnitario", "price", "precio"),
		UnitCost:  f.decOrZero("unit_cost", "unitCost", "costo_unitario", "costoUnitario", "cost", "costo"),
	}
	if sub, ok := f.dec("subtotal", "sub_total"); ok {
		item.Subtotal = sub
	} else {
		item.Subtotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
	}
	return item
}

// saleFromFields maps an authority sale record. Totals that the authority
// omits are kept from fallback, which is the locally computed sale.
func saleFromFields(f fields, fallback domain.Sale) (*domain.Sale, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: empty sale", ErrBadResponse)
	}
	id := f.str("id", "_id", "sale_id", "saleId", "venta_id", "ventaId", "transaction_id")
	if id == "" {
		return nil, fmt.Errorf("%w: sale without id", ErrBadResponse)
	}

	sale := fallback
	sale.ID = id
	if temp := f.str("temp_id", "tempId"); temp != "" {
		sale.TempID = temp
	}
	if ts := f.timestamp("date", "fecha", "created_at", "createdAt"); !ts.IsZero() {
		sale.Date = ts
	}
	if v := f.str("seller_id", "sellerId", "vendedor_id", "vendedorId"); v != "" {
		sale.SellerID = v
	}
	if v := f.str("store_id", "storeId", "tienda_id", "tiendaId"); v != "" {
		sale.StoreID = v
	}
	if v := f.str("shift_id", "shiftId", "turno_id", "turnoId"); v != "" {
		sale.ShiftID = v
	}
	if v := f.str("payment_method", "paymentMethod", "metodo_pago", "metodoPago"); v != "" {
		sale.PaymentMethod = mapPaymentMethod(v)
	}
	if items := f.list("items", "detalles", "lineas"); len(items) > 0 {
		sale.Items = make([]domain.SaleItem, 0, len(items))
		for _, it := range items {
			sale.Items = append(sale.Items, saleItemFromFields(it))
		}
	}
	if d, ok := f.dec("subtotal"); ok {
		sale.Subtotal = d
	}
	if d, ok := f.dec("total_discount", "totalDiscount", "descuento", "descuento_total"); ok {
		sale.TotalDiscount = d
	}
	if d, ok := f.dec("tax_total", "taxTotal", "impuestos"); ok {
		sale.TaxTotal = d
	}
	if d, ok := f.dec("total"); ok {
		sale.Total = d
	}
	if d, ok := f.dec("total_cost", "totalCost", "costo_total", "costoTotal"); ok {
		sale.TotalCost = d
	}
	if d, ok := f.dec("net_profit", "netProfit", "ganancia", "utilidad"); ok {
		sale.NetProfit = d
	}
	if v := f.str("status", "estado"); v != "" {
		sale.Status = mapSaleStatus(v)
	}
	sale.SyncState = domain.SyncConfirmed
	return &sale, nil
}

func decodeSale(body []byte, fallback domain.Sale) (*domain.Sale, error) {
	f, err := decodeObject(body, saleWrappers)
	if err != nil {
		return nil, err
	}
	return saleFromFields(f, fallback)
}

func mapPaymentMethod(raw string) domain.PaymentMethod {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CARD", "TARJETA", "DEBIT", "CREDIT":
		return domain.PaymentCard
	case "TRANSFER", "TRANSFERENCIA", "QRIS":
		return domain.PaymentTransfer
	default:
		return domain.PaymentCash
	}
}

func productFromFields(f fields) (*domain.Product, error) {
	if f == nil {
		return nil, nil
	}
	id := f.str("id", "_id", "product_id", "productId", "producto_id")
	if id == "" {
		return nil, nil
	}
	return &domain.Product{
		ID:        id,
		SKU:       strings.ToUpper(f.str("sku", "codigo", "barcode", "code")),
		Name:      f.str("name", "nombre"),
		Stock:     f.integer("stock", "existencia", "inventario", "quantity"),
		CostPrice: f.decOrZero("cost_price", "costPrice", "precio_costo", "precioCosto", "costo", "cost"),
		SalePrice: f.decOrZero("sale_price", "salePrice", "precio_venta", "precioVenta", "precio", "price"),
		IsActive:  f.boolean(true, "is_active", "isActive", "activo", "active"),
	}, nil
}

func decodeProduct(body []byte) (*domain.Product, error) {
	f, err := decodeObject(body, productWrappers)
	if err != nil {
		return nil, err
	}
	return productFromFields(f)
}

func decodeProducts(body []byte) ([]domain.Product, error) {
	v, err := decodeValue(body)
	if err != nil {
		return nil, err
	}

	var rows []fields
	switch t := v.(type) {
	case []any:
		rows = objects(t)
	case map[string]any:
		rows = fields(t).list(listWrappers...)
		if rows == nil {
			if inner := fields(t).object("data"); inner != nil {
				rows = inner.list(listWrappers...)
			}
		}
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: expected product list", ErrBadResponse)
	}

	out := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		p, err := productFromFields(row)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func decodeSyncAck(body []byte, submitted int) (*domain.SyncAck, error) {
	top, err := decodeObject(body, []string{"data", "result"})
	if err != nil {
		return nil, err
	}
	ack := &domain.SyncAck{Received: submitted}
	if top == nil {
		return ack, nil
	}
	if _, ok := top.dec("received", "recibidas", "count", "synced"); ok {
		ack.Received = top.integer("received", "recibidas", "count", "synced")
	}
	for _, row := range top.list("statuses", "results", "resultados", "items") {
		status := strings.ToLower(row.str("status", "estado"))
		switch status {
		case "ok", "created", "synced", "aceptada":
			status = domain.SyncStatusAccepted
		case "duplicada", "exists":
			status = domain.SyncStatusDuplicate
		case "rechazada", "error", "failed":
			status = domain.SyncStatusRejected
		}
		ack.Statuses = append(ack.Statuses, domain.SyncStatus{
			TempID: row.str("temp_id", "tempId", "client_id", "clientId"),
			Status: status,
			SaleID: row.str("sale_id", "saleId", "transaction_id", "transactionId", "id"),
			Reason: row.str("reason", "motivo", "message", "error"),
		})
	}
	return ack, nil
}

// refusal reports a body that answers 2xx but says the request failed:
// "success":false or a non-empty top-level error.
func refusal(body []byte) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	top, err := decodeObject(body, nil)
	if err != nil || top == nil {
		return nil
	}
	failed := !top.boolean(true, "success", "exito")
	if v, ok := top.raw("error", "errors"); ok {
		switch t := v.(type) {
		case bool:
			failed = failed || t
		case string:
			failed = failed || strings.TrimSpace(t) != ""
		case []any:
			failed = failed || len(t) > 0
		default:
			failed = true
		}
	}
	if !failed {
		return nil
	}
	msg := errorMessage(top)
	if msg == "" {
		msg = "back office reported failure"
	}
	return &RejectedError{Status: http.StatusOK, Message: msg}
}

func errorMessage(f fields) string {
	if f == nil {
		return ""
	}
	if msg := f.str("message", "mensaje", "detail"); msg != "" {
		return msg
	}
	if nested := f.object("error"); nested != nil {
		return nested.str("message", "mensaje", "detail")
	}
	return f.str("error")
}

func errorMessageFromBody(body []byte) string {
	f, err := decodeObject(body, nil)
	if err != nil || f == nil {
		return strings.TrimSpace(string(body))
	}
	return errorMessage(f)
}
