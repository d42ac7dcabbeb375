package tools

import "github.com/capitalize-ai/business-assistant/internal/pending"

// DefaultHandlers returns the built-in business actions. Outbound messages
// are routed through gate.
func DefaultHandlers(gate *pending.Gate) []ActionHandler {
	return []ActionHandler{
		addItemToProject(),
		updateProjectItem(),
		createInvoiceFromProject(),
		markInvoicePaid(),
		createCustomer(),
		updateCustomerContact(),
		findCustomers(),
		createAppointment(),
		rescheduleAppointment(),
		addProjectNote(),
		sendProjectEmail(gate),
		sendPaymentReminder(gate),
		sendSupplierOrder(gate),
	}
}
